package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/identity"
	"github.com/nostrid/go-nostrid/nip46"
)

type connectCommand struct {
	Timeout time.Duration `long:"timeout" default:"5m" description:"How long to wait for the remote signer"`
	Force   bool          `short:"f" long:"force" description:"Replace the current identity even if its secret was never backed up"`

	Args struct {
		URL string `positional-arg-name:"bunker-url-or-nip05" required:"yes"`
	} `positional-args:"yes"`
}

func (c *connectCommand) Execute(args []string) error {
	bp, err := nip46.ResolveBunker(ctx, c.Args.URL)
	if err != nil {
		return err
	}

	return withApp(func(a *app) error {
		if err := guardReplace(a, c.Force); err != nil {
			return err
		}

		clientSecretKey := nostr.GeneratePrivateKey()
		client, err := nip46.ConnectBunker(ctx, clientSecretKey, bp.URL(), a.pool, nip46.ClientOptions{
			OnAuth:         printAuthURL,
			ConnectTimeout: c.Timeout,
		})
		if err != nil {
			return err
		}

		id, err := a.store.SetBunker(ctx, client, clientSecretKey, bp.Secret)
		if err != nil {
			client.Close()
			return err
		}
		describe(id)
		return nil
	})
}

type nostrConnectCommand struct {
	Timeout time.Duration `long:"timeout" default:"5m" description:"How long to wait for a signer to answer"`
	Name    string        `long:"name" default:"nostrid" description:"Client name shown by the signer"`
	Perms   []string      `long:"perm" description:"Permission to request, repeatable (e.g. sign_event:1)"`
	Force   bool          `short:"f" long:"force" description:"Replace the current identity even if its secret was never backed up"`
}

func (c *nostrConnectCommand) Execute(args []string) error {
	return withApp(func(a *app) error {
		if err := guardReplace(a, c.Force); err != nil {
			return err
		}

		nc, err := nip46.NewNostrConnect(a.cfg.Relays, nip46.Metadata{Name: c.Name, Perms: c.Perms})
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "paste this into your remote signer:")
		fmt.Println(nc.URI().String())

		client, err := nc.Wait(ctx, a.pool, nip46.ClientOptions{OnAuth: printAuthURL, ConnectTimeout: c.Timeout})
		if err != nil {
			return err
		}

		id, err := a.store.SetBunker(ctx, client, nc.ClientSecretKey(), nc.URI().Secret)
		if err != nil {
			client.Close()
			return err
		}
		describe(id)
		return nil
	})
}

type serveBunkerCommand struct {
	Dial string `long:"dial" description:"Answer this nostrconnect:// uri instead of waiting for bunker:// clients"`
}

func (c *serveBunkerCommand) Execute(args []string) error {
	return withApp(func(a *app) error {
		local, ok := a.store.Current().(*identity.Local)
		if !ok {
			return identity.ErrNotLocal
		}

		signer, err := nip46.NewStaticKeySigner(local.SecretKey)
		if err != nil {
			return err
		}

		relays := a.cfg.Relays
		if c.Dial != "" {
			uri, err := nip46.ParseConnectionURI(c.Dial)
			if err != nil {
				return err
			}
			relays = uri.Relays
			signer.AuthorizeRequest = func(bool, string, string) bool { return false }
			if err := signer.Dial(ctx, a.pool, uri); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "answered %s\n", uri.ClientPublicKey)
		} else {
			b := make([]byte, 16)
			if _, err := rand.Read(b); err != nil {
				return err
			}
			secret := hex.EncodeToString(b)
			signer.AuthorizeRequest = func(_ bool, from string, given string) bool {
				if given == secret {
					signer.Authorize(from)
					return true
				}
				return false
			}
			fmt.Fprintln(os.Stderr, "connect clients with:")
			fmt.Println(nip46.BunkerPointer{RemotePublicKey: signer.PublicKey(), Relays: relays, Secret: secret}.URL())
		}

		fmt.Fprintln(os.Stderr, "serving, interrupt to stop")
		if err := signer.Serve(ctx, a.pool, relays); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
}
