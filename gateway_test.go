/************************************************************************************
 *
 * gatewire, a Go client library for the Discord real-time gateway
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package gatewire

import "testing"

func TestIsNonResumable(t *testing.T) {
	nonResumable := []GatewayCloseEventCode{
		1000,
		GatewayCloseEventCodeSessionNoLongerValid,
		GatewayCloseEventCodeInvalidSeq,
	}
	for _, code := range nonResumable {
		if !isNonResumable(code) {
			t.Errorf("expected code %d to be non-resumable", code)
		}
	}

	if isNonResumable(GatewayCloseEventCodeUnknownError) {
		t.Fatal("UnknownError (4000) must be resumable")
	}
}

func TestIsUnrecoverable(t *testing.T) {
	recoverable := []GatewayCloseEventCode{
		1000,
		GatewayCloseEventCodeUnknownError,
		GatewayCloseEventCodeSessionNoLongerValid,
		GatewayCloseEventCodeInvalidSeq,
	}
	for _, code := range recoverable {
		if isUnrecoverable(code) {
			t.Errorf("expected code %d to be recoverable", code)
		}
	}

	unrecoverable := []GatewayCloseEventCode{
		GatewayCloseEventCodeAuthenticationFailed,
		GatewayCloseEventCodeInvalidShard,
		GatewayCloseEventCodeShardingRequired,
		GatewayCloseEventCodeInvalidAPIVersion,
		GatewayCloseEventCodeInvalidIntents,
		GatewayCloseEventCodeDisallowedIntents,
	}
	for _, code := range unrecoverable {
		if !isUnrecoverable(code) {
			t.Errorf("expected code %d to be unrecoverable", code)
		}
	}
}

func TestCloseCodeSetsAreDisjoint(t *testing.T) {
	for code := range nonResumableCloseCodes {
		if _, ok := unrecoverableCloseCodes[code]; ok {
			t.Fatalf("code %d appears in both the non-resumable and unrecoverable sets", code)
		}
	}
}
