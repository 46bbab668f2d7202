package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/identity"
	"github.com/nostrid/go-nostrid/nip19"
)

type whoamiCommand struct{}

func (c *whoamiCommand) Execute(args []string) error {
	return withApp(func(a *app) error {
		id, err := a.current()
		if err != nil {
			return err
		}
		describe(id)

		if target, ok, err := a.store.MigrationTarget(ctx, id.PublicKey()); err == nil && ok {
			npub, _ := nip19.EncodePublicKey(target)
			fmt.Printf("migrated to:  %s\n", npub)
		}
		return nil
	})
}

func describe(id identity.Identity) {
	npub, _ := nip19.EncodePublicKey(id.PublicKey())
	fmt.Printf("type:         %s\n", id.Variant())
	fmt.Printf("npub:         %s\n", npub)
	fmt.Printf("pubkey:       %s\n", id.PublicKey())
	fmt.Printf("created:      %s\n", id.CreatedAt().Time().Format(time.RFC3339))

	switch v := id.(type) {
	case *identity.Local:
		fmt.Printf("backed up:    %t\n", v.HasBackedUpSecret)
	case *identity.Extension:
	case *identity.Bunker:
		fmt.Printf("remote:       %s\n", v.RemotePublicKey)
		fmt.Printf("relays:       %s\n", strings.Join(v.Relays, " "))
	}
}

type newCommand struct {
	Force bool `short:"f" long:"force" description:"Replace the current identity even if its secret was never backed up"`
}

func (c *newCommand) Execute(args []string) error {
	return withApp(func(a *app) error {
		if err := guardReplace(a, c.Force); err != nil {
			return err
		}
		id, err := identity.NewLocal(nostr.GeneratePrivateKey(), false)
		if err != nil {
			return err
		}
		if err := a.store.Replace(ctx, id); err != nil {
			return err
		}
		describe(id)
		fmt.Fprintln(os.Stderr, "run 'nostrid backup' or 'nostrid export' to save the secret key")
		return nil
	})
}

// guardReplace refuses to drop a local secret the user never saved.
func guardReplace(a *app, force bool) error {
	if local, ok := a.store.Current().(*identity.Local); ok && !local.HasBackedUpSecret && !force {
		return errors.New("the current local identity was never backed up, run 'nostrid backup' first or pass --force")
	}
	return nil
}

type importCommand struct {
	Password string `short:"p" long:"password" env:"NOSTRID_PASSWORD" description:"Password of an ncryptsec key"`
	Force    bool   `short:"f" long:"force" description:"Replace the current identity even if its secret was never backed up"`

	Args struct {
		Secret []string `positional-arg-name:"secret" required:"1" description:"hex, nsec1, ncryptsec1 or mnemonic words"`
	} `positional-args:"yes"`
}

func (c *importCommand) Execute(args []string) error {
	return withApp(func(a *app) error {
		if err := guardReplace(a, c.Force); err != nil {
			return err
		}
		id, err := a.store.ImportSecret(ctx, strings.Join(c.Args.Secret, " "), c.Password)
		if err != nil {
			return err
		}
		describe(id)
		return nil
	})
}

type backupCommand struct{}

func (c *backupCommand) Execute(args []string) error {
	return withApp(func(a *app) error {
		nsec, err := a.store.CopySecret(ctx)
		if err != nil {
			return err
		}
		fmt.Println(nsec)
		return nil
	})
}

type exportCommand struct {
	Password string `short:"p" long:"password" env:"NOSTRID_PASSWORD" required:"yes" description:"Password to encrypt the key with"`
}

func (c *exportCommand) Execute(args []string) error {
	return withApp(func(a *app) error {
		ncryptsec, err := a.store.ExportEncrypted(ctx, c.Password)
		if err != nil {
			return err
		}
		fmt.Println(ncryptsec)
		return nil
	})
}

type logoutCommand struct {
	Force bool `short:"f" long:"force" description:"Log out even if the local secret was never backed up"`
}

func (c *logoutCommand) Execute(args []string) error {
	return withApp(func(a *app) error {
		if err := guardReplace(a, c.Force); err != nil {
			return err
		}
		return a.store.Logout(ctx)
	})
}
