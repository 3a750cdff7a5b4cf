package mediarelay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONEncoder_TaskRoundtrip(t *testing.T) {
	enc := &JSONEncoder{}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := Task{
		ID: "t1", OwnerID: 7, ChatID: -100, SourceMessageID: 42,
		FileName: "clip.mp4", FileSize: 10 << 20, GroupID: "g1",
		Status: StatusDownloaded, CreatedAt: now, UpdatedAt: now,
	}
	data, err := enc.Encode(in)
	require.NoError(t, err, "encode should not error")

	var out Task
	require.NoError(t, enc.Decode(data, &out), "decode should not error")
	assert.Equal(t, in, out, "roundtrip mismatch")
}

func TestJSONEncoder_DecodeError(t *testing.T) {
	enc := &JSONEncoder{}
	var out DownloadTrigger
	err := enc.Decode([]byte("{"), &out)
	require.Error(t, err, "expected error for invalid JSON")
}

func TestJSONEncoder_StrictRejectsUnknownFields(t *testing.T) {
	payload := []byte(`{"task_id":"t1"}`)

	var lenient DownloadTrigger
	require.NoError(t, (&JSONEncoder{}).Decode(payload, &lenient))
	require.Empty(t, lenient.TaskID)

	var strict DownloadTrigger
	require.Error(t, (&JSONEncoder{Strict: true}).Decode(payload, &strict))

	require.NoError(t, (&JSONEncoder{Strict: true}).Decode([]byte(`{"taskId":"t1"}`), &strict))
	require.Equal(t, "t1", strict.TaskID)
}
