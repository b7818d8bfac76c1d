package device

import "testing"

func TestReplayFilterAcceptsMonotonicCounters(t *testing.T) {
	var r replayFilter
	for i := uint64(0); i < 10; i++ {
		if !r.validateCounter(i) {
			t.Fatalf("validateCounter(%d) = false, want true (strictly increasing)", i)
		}
	}
}

func TestReplayFilterRejectsDuplicate(t *testing.T) {
	var r replayFilter
	if !r.validateCounter(5) {
		t.Fatal("validateCounter(5) = false, want true")
	}
	if r.validateCounter(5) {
		t.Fatal("validateCounter(5) twice = true, want false (exact duplicate)")
	}
}

func TestReplayFilterAcceptsOutOfOrderWithinWindow(t *testing.T) {
	var r replayFilter
	r.validateCounter(10)
	if !r.validateCounter(9) {
		t.Fatal("validateCounter(9) after 10 = false, want true (within window)")
	}
	if r.validateCounter(9) {
		t.Fatal("validateCounter(9) replayed = true, want false")
	}
}

func TestReplayFilterRejectsBehindWindow(t *testing.T) {
	var r replayFilter
	r.validateCounter(replayWindowSize + 100)
	if r.validateCounter(10) {
		t.Fatal("validateCounter far behind window = true, want false")
	}
}

func TestReplayFilterRejectsAtRejectAfterMessages(t *testing.T) {
	var r replayFilter
	if r.validateCounter(RejectAfterMessages) {
		t.Fatal("validateCounter(RejectAfterMessages) = true, want false (hard ceiling)")
	}
	if !r.validateCounter(RejectAfterMessages - 1) {
		t.Fatal("validateCounter(RejectAfterMessages-1) = false, want true")
	}
}

func TestReplayFilterLargeForwardJumpResetsWindow(t *testing.T) {
	var r replayFilter
	r.validateCounter(0)
	if !r.validateCounter(replayWindowSize + 1000) {
		t.Fatal("validateCounter far ahead = false, want true (new high watermark)")
	}
	if r.validateCounter(0) {
		t.Fatal("validateCounter(0) after huge forward jump = true, want false (outside window)")
	}
}

func TestCheckOTPDisabledPeerAlwaysPasses(t *testing.T) {
	peer := &Peer{}
	if !peer.CheckOTP([3]uint64{1, 2, 3}) {
		t.Fatal("CheckOTP on an OTP-disabled peer rejected a candidate, want always-pass")
	}
}

func TestCheckOTPEnabledPeerRequiresExactMatch(t *testing.T) {
	peer := &Peer{otpEnabled: true, otpReceiver: [3]uint64{0xaa, 0xbb, 0xcc}}
	if !peer.CheckOTP([3]uint64{0xaa, 0xbb, 0xcc}) {
		t.Fatal("CheckOTP rejected the exact configured receiver, want accept")
	}
	if peer.CheckOTP([3]uint64{0xaa, 0xbb, 0xcd}) {
		t.Fatal("CheckOTP accepted a mismatched candidate, want reject")
	}
}
