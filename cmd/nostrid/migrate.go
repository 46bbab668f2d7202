package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/nostrid/go-nostrid"
	"github.com/nostrid/go-nostrid/identity"
	"github.com/nostrid/go-nostrid/keyer"
	"github.com/nostrid/go-nostrid/migration"
	"github.com/nostrid/go-nostrid/nip19"
	"github.com/nostrid/go-nostrid/nip29"
	"golang.org/x/time/rate"
)

type migrateCommand struct {
	To         string   `long:"to" description:"Secret key to migrate to (hex, nsec, ncryptsec or mnemonic); a fresh key is generated if empty"`
	Password   string   `short:"p" long:"password" env:"NOSTRID_PASSWORD" description:"Password of an ncryptsec --to key"`
	Groups     []string `short:"g" long:"group" description:"Group to migrate, as host'id, repeatable"`
	GroupRelay []string `long:"group-relay" description:"Migrate every group on this relay that lists the current key as member, repeatable"`
	Attempts   int      `long:"attempts" default:"3" description:"Publish attempts per group"`
}

func (c *migrateCommand) Execute(args []string) error {
	groups := make([]nip29.GroupAddress, 0, len(c.Groups))
	for _, raw := range c.Groups {
		gad, err := nip29.ParseGroupAddress(raw)
		if err != nil {
			return err
		}
		groups = append(groups, gad)
	}

	return withApp(func(a *app) error {
		old, err := a.current()
		if err != nil {
			return err
		}
		oldSigner, err := a.store.Signer(ctx)
		if err != nil {
			return err
		}

		sk := nostr.GeneratePrivateKey()
		backedUp := false
		if c.To != "" {
			if sk, err = keyer.ParseSecretKey(c.To, c.Password); err != nil {
				return err
			}
			backedUp = true
		}
		next, err := identity.NewLocal(sk, backedUp)
		if err != nil {
			return err
		}
		newSigner, err := keyer.NewPlainKeySigner(sk)
		if err != nil {
			return err
		}

		migrator := &migration.Migrator{
			Store:     a.store,
			Transport: a.pool,
			Attempts:  c.Attempts,
			Limiter:   rate.NewLimiter(rate.Limit(2), 1),
		}
		for _, relay := range c.GroupRelay {
			found, err := migrator.MemberGroups(ctx, relay, old.PublicKey())
			if err != nil {
				return err
			}
			groups = append(groups, found...)
		}
		if len(groups) == 0 {
			return errors.New("no groups to migrate, use --group or --group-relay")
		}

		result, err := migrator.Migrate(ctx, oldSigner, next, newSigner, groups)
		if err != nil {
			return err
		}
		for _, gad := range result.Migrated {
			fmt.Printf("migrated  %s\n", gad)
		}
		for _, ge := range result.Failed {
			fmt.Printf("failed    %s\n", ge)
		}

		if !result.Committed {
			// the new key only lives here until every group is done
			nsec, _ := nip19.EncodePrivateKey(sk)
			fmt.Fprintf(os.Stderr, "not switched: retry the failed groups with --to %s\n", nsec)
			return fmt.Errorf("%d of %d groups failed", len(result.Failed), len(groups))
		}
		fmt.Fprintln(os.Stderr, "switched to the new identity:")
		describe(next)
		return nil
	})
}
