// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/evidence"
)

func runEvidenceExportCommand(cmd *cobra.Command, args []string) {
	id := args[0]
	ctx := context.Background()

	stores, logger := openAdminStores()
	producer, err := evidence.NewProducer(stores.Evidence)
	if err != nil {
		closeAdminStores(stores, logger)
		fatal(err)
	}

	// The argument is a result ID from review output, or a bundle ID
	// when the caller already has one.
	evidenceID := id
	if res, err := stores.Results.Get(ctx, id); err == nil && res != nil && res.EvidenceID != "" {
		evidenceID = res.EvidenceID
	}

	bundle, err := producer.Load(ctx, evidenceID)
	if err != nil {
		closeAdminStores(stores, logger)
		fatal(err)
	}
	export, err := producer.Export(bundle, &datatypes.PolicySnapshot{Checksum: bundle.PolicyChecksum})
	closeAdminStores(stores, logger)
	if err != nil {
		fatal(err)
	}

	out, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		fatal(fmt.Errorf("encode export: %w", err))
	}
	if evidenceOut != "" {
		if err := os.WriteFile(evidenceOut, append(out, '\n'), 0644); err != nil {
			fatal(fmt.Errorf("write export: %w", err))
		}
		fmt.Printf("Evidence bundle %s exported to %s\n", bundle.ID, evidenceOut)
		return
	}
	fmt.Println(string(out))
}

func runEvidenceVerifyCommand(cmd *cobra.Command, args []string) {
	id := args[0]

	stores, logger := openAdminStores()
	bundle, err := stores.Evidence.Get(context.Background(), id)
	closeAdminStores(stores, logger)
	if err != nil {
		fatal(err)
	}
	if bundle == nil {
		fatal(fmt.Errorf("no evidence bundle stored under %s", id))
	}

	if err := evidence.Verify(bundle); err != nil {
		fmt.Printf("TAMPERED: %v\n", err)
		os.Exit(exitBlocked)
	}
	fmt.Printf("OK: bundle %s digest verified\n", bundle.ID)
	fmt.Printf("  Linked result: %s\n", bundle.LinkedResourceID)
	fmt.Printf("  Policy:        %s\n", shortChecksum(bundle.PolicyChecksum))
	fmt.Printf("  Created:       %s\n", bundle.CreatedAt.Format(time.RFC3339))
}
