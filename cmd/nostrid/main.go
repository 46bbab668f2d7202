// Command nostrid manages a nostr identity: local keys, browser-extension and remote (bunker)
// signers, identity migration across groups and push-notification subscriptions.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/nostrid/go-nostrid"
)

type Options struct {
	ConfigFile  string   `short:"c" long:"config" description:"Path to the YAML config file (default: <user config dir>/nostrid/config.yaml)"`
	Verbose     bool     `short:"v" long:"verbose" description:"Log protocol activity to stderr"`
	Backend     string   `long:"storage-backend" choice:"memory" choice:"badger" choice:"lmdb" choice:"sqlite" description:"Override storage.backend"`
	StoragePath string   `long:"storage-path" description:"Override storage.path"`
	Relays      []string `short:"r" long:"relay" description:"Relay to use instead of the configured ones, repeatable"`

	Whoami       whoamiCommand       `command:"whoami" description:"Show the current identity"`
	New          newCommand          `command:"new" description:"Generate a fresh local identity"`
	Import       importCommand       `command:"import" description:"Import a secret key (hex, nsec, ncryptsec or mnemonic)"`
	Backup       backupCommand       `command:"backup" description:"Print the nsec of the local identity and mark it as backed up"`
	Export       exportCommand       `command:"export" description:"Print the local secret encrypted with a password (ncryptsec)"`
	Connect      connectCommand      `command:"connect" description:"Log in with a remote signer from a bunker:// url"`
	NostrConnect nostrConnectCommand `command:"nostrconnect" description:"Print a nostrconnect:// uri and wait for a remote signer to answer it"`
	ServeBunker  serveBunkerCommand  `command:"serve-bunker" description:"Act as a remote signer for the local identity"`
	Migrate      migrateCommand      `command:"migrate" description:"Move group memberships to a new key and switch to it"`
	Subscribe    subscribeCommand    `command:"subscribe" description:"Ask the notification service to push matching events"`
	Unsubscribe  unsubscribeCommand  `command:"unsubscribe" description:"Withdraw a topic subscription"`
	Register     registerCommand     `command:"register-device" description:"Register a push token with the notification service"`
	Deregister   deregisterCommand   `command:"deregister-device" description:"Withdraw the registered push token"`
	Refresh      refreshCommand      `command:"refresh" description:"Renew registrations and subscriptions that are about to expire"`
	Logout       logoutCommand       `command:"logout" description:"Forget the current identity and everything tied to it"`
}

var (
	opts Options
	ctx  = context.Background()
)

func main() {
	var stop context.CancelFunc
	ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	parser := flags.NewParser(&opts, flags.Default)
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if opts.Verbose {
			nostr.InfoLogger.SetOutput(os.Stderr)
			nostr.DebugLogger.SetOutput(os.Stderr)
		}
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}

	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		if !errors.As(err, &ferr) {
			os.Stderr.WriteString("error: " + err.Error() + "\n")
		}
		stop()
		os.Exit(1)
	}
}
