package httpt

import (
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestClientHandlerRoundtripWithCookies(t *testing.T) {
	handler := NewHandler(func(cookies map[string]string, frame []byte) ([]byte, map[string]string, error) {
		reply := append([]byte("echo:"), frame...)
		return reply, map[string]string{"sid": "abc123"}, nil
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	client := NewClient(srv.URL, jar, 0)

	reply, err := client.Do([]byte("ping"))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(reply) != "echo:ping" {
		t.Fatalf("got %q want %q", reply, "echo:ping")
	}

	srvURL, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	found := false
	for _, ck := range jar.Cookies(srvURL) {
		if ck.Name == "sid" && ck.Value == "abc123" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected sid cookie to be captured by the jar")
	}
}
