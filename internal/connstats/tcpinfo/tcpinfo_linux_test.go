//go:build linux

/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package tcpinfo

import (
	"testing"
	"time"
)

func TestRawTCPInfo_Unpack(t *testing.T) {
	raw := RawTCPInfo{
		state:         TCP_ESTABLISHED,
		retransmits:   3,
		rtt:           1500,
		rttvar:        250,
		total_retrans: 42,
	}

	got := raw.Unpack()

	if got.State != TCP_ESTABLISHED {
		t.Errorf("State = %d, want %d", got.State, TCP_ESTABLISHED)
	}
	if got.StateName != "ESTABLISHED" {
		t.Errorf("StateName = %q, want %q", got.StateName, "ESTABLISHED")
	}
	if got.Retransmits != 3 {
		t.Errorf("Retransmits = %d, want 3", got.Retransmits)
	}
	if got.TotalRetrans != 42 {
		t.Errorf("TotalRetrans = %d, want 42", got.TotalRetrans)
	}
	if want := 1500 * time.Microsecond; got.RTT != want {
		t.Errorf("RTT = %v, want %v", got.RTT, want)
	}
	if want := 250 * time.Microsecond; got.RTTVar != want {
		t.Errorf("RTTVar = %v, want %v", got.RTTVar, want)
	}
}

func TestRawTCPInfo_UnpackUnknownState(t *testing.T) {
	var raw RawTCPInfo
	raw.state = 0xff

	got := raw.Unpack()
	if got.StateName != "" {
		t.Errorf("StateName for unmapped state = %q, want empty", got.StateName)
	}
}
