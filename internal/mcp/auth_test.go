package mcp

import (
	"bytes"
	"net/http"
	"testing"
	"time"
)

func TestHMAC_SignAndVerify_Vector(t *testing.T) {
	secret := []byte("topsecret")
	ts := "1700000000000"
	body := []byte("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"list_tools\"}")

	got := signHMAC(secret, canonicalString(ts, "post", "/mcp", " agent_1 ", "n-1", body))
	want := "7f69c7c134cbdd7d85b51d49502e92fe180fa8fd91a74b690792c96cdcb0d6e8"
	if got != want {
		t.Fatalf("signature mismatch: got=%s want=%s", got, want)
	}

	req, _ := http.NewRequest("POST", "http://example.invalid/mcp", bytes.NewReader(body))
	req.Header.Set(headerAgentID, "agent_1")
	req.Header.Set(headerTS, ts)
	req.Header.Set(headerNonce, "n-1")
	req.Header.Set(headerSignature, want)

	vr := verifyHMAC(req, body, secret, time.UnixMilli(1700000000000))
	if vr.HTTPStatus != 0 {
		t.Fatalf("expected ok, got status=%d msg=%s", vr.HTTPStatus, vr.Message)
	}
	if vr.SessionKey != "agent_1" || vr.Nonce != "n-1" {
		t.Fatalf("verify result mismatch: %+v", vr)
	}
}

func TestHMAC_Verify_Rejects(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte("{\"jsonrpc\":\"2.0\"}")
	now := time.UnixMilli(1700000000000)

	cases := map[string]struct {
		mutate func(h http.Header)
		at     time.Time
		msg    string
	}{
		"expired":       {at: now.Add(301 * time.Second), msg: "x-ts outside window"},
		"future":        {at: now.Add(-301 * time.Second), msg: "x-ts outside window"},
		"missing nonce": {mutate: func(h http.Header) { h.Del(headerNonce) }, at: now, msg: "missing x-nonce"},
		"other nonce":   {mutate: func(h http.Header) { h.Set(headerNonce, "n-2") }, at: now, msg: "bad signature"},
		"missing agent": {mutate: func(h http.Header) { h.Del(headerAgentID) }, at: now, msg: "missing x-agent-id"},
		"bad ts":        {mutate: func(h http.Header) { h.Set(headerTS, "soon") }, at: now, msg: "bad x-ts"},
	}
	for name, tc := range cases {
		req, _ := http.NewRequest("POST", "http://example.invalid/mcp", bytes.NewReader(body))
		req.Header = Sign(secret, "agent_1", "n-1", "POST", "/mcp", body, now)
		if tc.mutate != nil {
			tc.mutate(req.Header)
		}
		vr := verifyHMAC(req, body, secret, tc.at)
		if vr.HTTPStatus != http.StatusUnauthorized || vr.Message != tc.msg {
			t.Fatalf("%s: got status=%d msg=%q want 401 %q", name, vr.HTTPStatus, vr.Message, tc.msg)
		}
	}
}

func TestRequireLoopback(t *testing.T) {
	for addr, ok := range map[string]bool{
		"127.0.0.1:9000": true,
		"[::1]:9000":     true,
		"192.168.1.4:80": false,
	} {
		r, _ := http.NewRequest("GET", "http://example.invalid/", nil)
		r.RemoteAddr = addr
		if err := requireLoopback(r); (err == nil) != ok {
			t.Fatalf("%s: err=%v", addr, err)
		}
	}
}
