package command

import (
	"encoding/json"
	"testing"

	"github.com/bridgekv/enginebridge/pkg/region"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Entry{
		RegionID: 3,
		Index:    17,
		Term:     2,
		Write: []WriteOp{
			{CF: CFDefault, Type: OpPut, Key: []byte("k1"), Value: []byte("v1")},
			{CF: CFLock, Type: OpDelete, Key: []byte("k2")},
		},
	}
	data, err := in.Encode()
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.RegionID != 3 || out.Index != 17 || len(out.Write) != 2 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.IsAdmin() {
		t.Fatal("write entry classified as admin")
	}
}

func TestDecodeRejectsMissingRegion(t *testing.T) {
	if _, err := Decode([]byte(`{"index":1}`)); err == nil {
		t.Fatal("expected error for missing region id")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestEncodeRejectsMixedPayload(t *testing.T) {
	e := Entry{
		RegionID: 1,
		Index:    1,
		Write:    []WriteOp{{Key: []byte("k")}},
		Admin:    &AdminCmd{Type: AdminCompactLog},
	}
	if _, err := e.Encode(); err == nil {
		t.Fatal("expected error for mixed payload")
	}
}

// Decoders must tolerate fields they do not know about, since the payload
// crosses an independently-versioned engine boundary.
func TestDecodeIgnoresUnknownFields(t *testing.T) {
	raw := map[string]any{
		"region_id":    9,
		"index":        5,
		"term":         1,
		"admin":        map[string]any{"type": 0, "compact_index": 4, "future_field": true},
		"future_field": "x",
	}
	data, _ := json.Marshal(raw)
	e, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !e.IsAdmin() || e.Admin.Type != AdminCompactLog || e.Admin.CompactIndex != 4 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestAdminTypeStructural(t *testing.T) {
	structural := []AdminType{AdminBatchSplit, AdminPrepareMerge, AdminCommitMerge, AdminRollbackMerge, AdminChangePeer}
	for _, tp := range structural {
		if !tp.Structural() {
			t.Errorf("%v should be structural", tp)
		}
	}
	for _, tp := range []AdminType{AdminCompactLog, AdminFlashback, AdminFlashbackUnlock, AdminComputeHash} {
		if tp.Structural() {
			t.Errorf("%v should not be structural", tp)
		}
	}
}

func TestAdminCmdEpochTravels(t *testing.T) {
	e := Entry{
		RegionID: 2,
		Index:    8,
		Admin: &AdminCmd{
			Type:  AdminBatchSplit,
			Epoch: region.Epoch{Version: 4, ConfVer: 2},
			Splits: []SplitRequest{
				{NewRegionID: 10, SplitKey: []byte("m")},
			},
		},
	}
	data, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Admin.Epoch.Match(region.Epoch{Version: 4, ConfVer: 2}) {
		t.Fatalf("epoch lost in transit: %+v", out.Admin.Epoch)
	}
	if len(out.Admin.Splits) != 1 || string(out.Admin.Splits[0].SplitKey) != "m" {
		t.Fatalf("splits lost in transit: %+v", out.Admin)
	}
}
