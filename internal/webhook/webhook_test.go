package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"

	"github.com/UniQw/mediarelay"
)

func newMux(t *testing.T, seen *mediarelay.DeliveryInfo) *mediarelay.Mux {
	t.Helper()
	m := mediarelay.NewMux()
	m.Handle(mediarelay.JobDownload, func(ctx context.Context, payload []byte) mediarelay.Result {
		if info, ok := mediarelay.DeliveryFrom(ctx); ok && seen != nil {
			*seen = info
		}
		var tr mediarelay.DownloadTrigger
		if err := sonic.Unmarshal(payload, &tr); err != nil || tr.TaskID == "" {
			return mediarelay.BadRequest("bad payload")
		}
		if tr.TaskID == "missing" {
			return mediarelay.NotFound("task not found")
		}
		return mediarelay.OK("")
	})
	return m
}

func post(t *testing.T, h http.Handler, path string, body []byte, hdr map[string]string) (*httptest.ResponseRecorder, mediarelay.Result) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var res mediarelay.Result
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &res))
	return rec, res
}

func TestWebhookDispatchesSignedTrigger(t *testing.T) {
	var seen mediarelay.DeliveryInfo
	h := New(newMux(t, &seen), Config{CurrentKey: "cur", NextKey: "next"})
	body := []byte(`{"taskId":"t1"}`)

	sig, err := Sign("cur", body, time.Minute)
	require.NoError(t, err)
	rec, res := post(t, h, "/triggers/download", body, map[string]string{
		HeaderSignature: sig, HeaderMessageID: "msg-1", HeaderRetried: "2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, res.Success)
	require.Equal(t, "msg-1", seen.MessageID)
	require.Equal(t, mediarelay.JobDownload, seen.JobType)
	require.Equal(t, 2, seen.Attempt)
}

func TestWebhookAcceptsNextKey(t *testing.T) {
	h := New(newMux(t, nil), Config{CurrentKey: "cur", NextKey: "next"})
	body := []byte(`{"taskId":"t1"}`)
	sig, err := Sign("next", body, time.Minute)
	require.NoError(t, err)

	rec, _ := post(t, h, "/triggers/download", body, map[string]string{HeaderSignature: sig})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRejectsBadSignatures(t *testing.T) {
	h := New(newMux(t, nil), Config{CurrentKey: "cur"})
	body := []byte(`{"taskId":"t1"}`)

	rec, _ := post(t, h, "/triggers/download", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	sig, err := Sign("other", body, time.Minute)
	require.NoError(t, err)
	rec, _ = post(t, h, "/triggers/download", body, map[string]string{HeaderSignature: sig})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	sig, err = Sign("cur", []byte(`{"taskId":"t2"}`), time.Minute)
	require.NoError(t, err)
	rec, res := post(t, h, "/triggers/download", body, map[string]string{HeaderSignature: sig})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, res.Message, "body hash")

	sig, err = Sign("cur", body, -time.Minute)
	require.NoError(t, err)
	rec, _ = post(t, h, "/triggers/download", body, map[string]string{HeaderSignature: sig})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookStatusFollowsResult(t *testing.T) {
	h := New(newMux(t, nil), Config{})

	rec, res := post(t, h, "/triggers/download", []byte(`{"taskId":"missing"}`), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.False(t, res.Success)

	rec, _ = post(t, h, "/triggers/download", []byte(`nope`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = post(t, h, "/triggers/unknown", []byte(`{}`), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRejectsOtherMethodsAndLargeBodies(t *testing.T) {
	h := New(newMux(t, nil), Config{MaxBodyBytes: 8})

	req := httptest.NewRequest(http.MethodGet, "/triggers/download", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, _ = post(t, h, "/triggers/download", []byte(`{"taskId":"t1"}`), nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestBodyHashIsUnpadded(t *testing.T) {
	require.NotContains(t, BodyHash([]byte("x")), "=")
	require.Len(t, BodyHash(nil), 43)
}
