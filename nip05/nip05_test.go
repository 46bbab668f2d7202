package nip05

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nostrid/go-nostrid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentifier(t *testing.T) {
	for _, tc := range []struct {
		input  string
		name   string
		domain string
	}{
		{"saknd@yyq.com", "saknd", "yyq.com"},
		{"287354gkj+asbdfo8gw3rlicbsopifbcp3iougb5piseubfdikswub5ks@yyq.com", "287354gkj+asbdfo8gw3rlicbsopifbcp3iougb5piseubfdikswub5ks", "yyq.com"},
		{"asdn.com", "_", "asdn.com"},
		{"_@uxux.com.br", "_", "uxux.com.br"},
		{"bob@127.0.0.1:8080", "", ""},
	} {
		name, domain, err := ParseIdentifier(tc.input)
		if tc.domain == "" {
			assert.ErrorIs(t, err, nostr.ErrInvalidKeyFormat, tc.input)
			continue
		}
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.name, name)
		assert.Equal(t, tc.domain, domain)
	}

	for _, bad := range []string{"821yh498ig21", "////", "a@b@c.com"} {
		_, _, err := ParseIdentifier(bad)
		assert.Error(t, err, bad)
	}

	assert.Equal(t, "example.com", NormalizeIdentifier("_@example.com"))
	assert.Equal(t, "bob@example.com", NormalizeIdentifier("bob@example.com"))
}

func TestQueryIdentifier(t *testing.T) {
	pk, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/nostr.json" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("name") {
		case "bob":
			w.Write([]byte(`{"names":{"bob":"` + pk + `"},"relays":{"` + pk + `":["wss://relay.example.com"]},"nip46":{"` + pk + `":["wss://bunker.example.com"]}}`))
		case "broken":
			w.Write([]byte(`{"names":{"broken":"nothex"}}`))
		default:
			w.Write([]byte(`{"names":{}}`))
		}
	}))
	defer server.Close()

	// every domain dials the test server
	addr := strings.TrimPrefix(server.URL, "http://")
	scheme = "http"
	transport = &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	}
	defer func() {
		scheme = "https"
		transport = http.DefaultTransport
	}()

	ctx := context.Background()

	pp, err := QueryIdentifier(ctx, "bob@nostr.test")
	require.NoError(t, err)
	assert.Equal(t, pk, pp.PublicKey)
	assert.Equal(t, []string{"wss://relay.example.com"}, pp.Relays)

	resp, name, err := Fetch(ctx, "bob@nostr.test")
	require.NoError(t, err)
	assert.Equal(t, "bob", name)
	assert.Equal(t, []string{"wss://bunker.example.com"}, resp.NIP46[pk])

	_, err = QueryIdentifier(ctx, "alice@nostr.test")
	assert.Error(t, err)

	_, err = QueryIdentifier(ctx, "broken@nostr.test")
	assert.ErrorIs(t, err, nostr.ErrInvalidKeyFormat)

	pubkey, relays, err := QueryBunker(ctx, "bob@nostr.test")
	require.NoError(t, err)
	assert.Equal(t, pk, pubkey)
	assert.Equal(t, []string{"wss://bunker.example.com"}, relays)

	_, _, err = QueryBunker(ctx, "alice@nostr.test")
	assert.Error(t, err)
}
