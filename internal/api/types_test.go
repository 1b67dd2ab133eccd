package api

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestSubmitRoundTripAllKinds(t *testing.T) {
	for _, kind := range Kinds() {
		original := SubmitRequest{
			Kind:       kind,
			ClientPID:  4242,
			ClientCWD:  "/home/dev/blink",
			ProjectDir: "/home/dev/blink",
			Env:        "esp32c6",
			Profile:    "release",
			Jobs:       4,
			Port:       "ttyACM0",
			Baud:       115200,
			Verbose:    true,
		}
		data, err := json.Marshal(original)
		if err != nil {
			t.Fatalf("%s: marshal: %v", kind, err)
		}
		var decoded SubmitRequest
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("%s: unmarshal: %v", kind, err)
		}
		if !reflect.DeepEqual(original, decoded) {
			t.Fatalf("%s: round trip mismatch:\n%+v\n%+v", kind, original, decoded)
		}
	}
}

func TestRequestStatusRoundTrip(t *testing.T) {
	original := RequestStatus{
		RequestID: "1f3a",
		Kind:      KindBuild,
		Status:    StatusSucceeded,
		Artifact:  "/p/build/uno/release/firmware.hex",
		CreatedAt: time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC),
		ClientPID: 99,
	}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded RequestStatus
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", original, decoded)
	}
}

func TestExitCodes(t *testing.T) {
	cases := map[Status]int{
		StatusSucceeded: 0,
		StatusFailed:    1,
		StatusCancelled: 130,
		StatusRunning:   1,
	}
	for status, want := range cases {
		if got := ExitCode(status); got != want {
			t.Fatalf("ExitCode(%s) = %d, want %d", status, got, want)
		}
	}
}

func TestMonitorEnvelopeRoundTrip(t *testing.T) {
	server := MonitorServerMessage{
		Type:  "data",
		Port:  "ttyUSB0",
		Lines: []string{"boot", "loop"},
		First: 10,
		Next:  12,
	}
	data, err := json.Marshal(server)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded MonitorServerMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(server, decoded) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", server, decoded)
	}
}
