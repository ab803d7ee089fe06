// noteguardctl is the command line front end for the noteguard vault
// engine.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"noteguard/internal/config"
	"noteguard/internal/fastunlock"
	"noteguard/internal/identity"
	"noteguard/internal/logging"
	"noteguard/internal/secmem"
	"noteguard/internal/session"
	"noteguard/internal/sharing"
	"noteguard/internal/syncstate"
)

var (
	configPath = ""
	workspace  = ""
)

func main() {
	args := os.Args[1:]
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch {
		case args[0] == "-config" && len(args) > 1:
			configPath = args[1]
			args = args[2:]
		case args[0] == "-workspace" && len(args) > 1:
			workspace = args[1]
			args = args[2:]
		default:
			fmt.Fprintf(os.Stderr, "Unknown option: %s\n", args[0])
			usage()
			os.Exit(1)
		}
	}
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	cmd := args[0]
	args = args[1:]

	switch cmd {
	case "init":
		cmdInit()
	case "vault":
		dispatchVault(args)
	case "note":
		dispatchNote(args)
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: noteguardctl search <vault-id> <query>")
			os.Exit(1)
		}
		cmdSearch(args[0], strings.Join(args[1:], " "))
	case "notebook":
		dispatchNotebook(args)
	case "share":
		dispatchShare(args)
	case "passwd":
		cmdPasswd()
	case "rotate":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: noteguardctl rotate <vault-id>")
			os.Exit(1)
		}
		cmdRotate(args[0])
	case "identity":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: noteguardctl identity <vault-id>")
			os.Exit(1)
		}
		cmdIdentity(args[0])
	case "fast-unlock":
		dispatchFastUnlock(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `noteguardctl - encrypted notes vault engine

Usage: noteguardctl [options] <command> [args]

Commands:
  init                             Create a new workspace
  vault create <name>              Create a vault
  vault list                       List vaults
  vault delete <vault-id>          Delete a vault and its contents
  note add <vault-id> <title>      Add a note (body read from stdin)
  note show <vault-id> <note-id>   Decrypt and print a note
  note list <vault-id>             List note metadata
  note rm <vault-id> <note-id>     Delete a note
  notebook add <vault-id> <name>   Create a notebook
  notebook list <vault-id>         List notebooks
  search <vault-id> <query>        Search note contents
  share grant <vault-id> <type> <resource-id> <role> <recipient-pub-hex>
                                   Share a notebook or note
  share revoke <vault-id> <share-id>
                                   Revoke a share and rotate its key
  share list <vault-id> <resource-id>
                                   List shares for a resource
  passwd                           Change the workspace password
  rotate <vault-id>                Rotate a vault key, re-encrypting content
  identity <vault-id>              Print the vault identity fingerprint
  fast-unlock enable               Seal the unlock secret for this device
  fast-unlock disable              Remove the device-sealed secret
  help                             Show this help message

Options:
  -config <path>     Path to config file (default: <workspace>/noteguard.toml)
  -workspace <path>  Workspace directory (default: current directory)`)
}

func loadConfig() *config.Config {
	root := workspace
	if root == "" {
		root, _ = os.Getwd()
	}
	path := configPath
	if path == "" {
		path = filepath.Join(root, config.DefaultFileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatal(err)
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = root
	}
	if workspace != "" {
		cfg.Workspace.Root = workspace
	}
	return cfg
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func readPassword(prompt string) []byte {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		pw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fatal(err)
		}
		return pw
	}
	// Piped input: one password per line.
	r := bufio.NewReader(os.Stdin)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		fatal(err)
	}
	return []byte(strings.TrimRight(line, "\r\n"))
}

// unlock opens the workspace and unlocks it, trying the device-sealed
// secret before prompting.
func unlock(cfg *config.Config) *session.Engine {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fatal(err)
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		fatal(err)
	}
	log := logging.New(os.Stderr, &logging.Config{Level: level, Format: format})
	e, err := session.Open(cfg.Workspace.Root, log)
	if err != nil {
		fatal(err)
	}

	if cfg.FastUnlock.Enabled {
		if mgr := fastUnlockManager(cfg, e); mgr != nil {
			if err := e.UnlockWithDevice(mgr); err == nil {
				return e
			}
		}
	}

	pw := readPassword("Password: ")
	defer secmem.Wipe(pw)
	if err := e.Unlock(pw); err != nil {
		fatal(err)
	}
	return e
}

func fastUnlockManager(cfg *config.Config, e *session.Engine) *fastunlock.Manager {
	ks, err := identity.NewFileKeystore(filepath.Join(cfg.Workspace.Root, ".noteguard-keystore"))
	if err != nil {
		return nil
	}
	sealer := fastunlock.DetectSealer(ks)
	if sealer == nil {
		return nil
	}
	return fastunlock.NewManager(e.Filesystem(), sealer)
}

func openOutbox(cfg *config.Config, e *session.Engine) *syncstate.Store {
	store, err := syncstate.Open(cfg.SyncDatabasePath())
	if err != nil {
		fatal(err)
	}
	e.SetOutbox(store)
	return store
}

func cmdInit() {
	cfg := loadConfig()
	pw := readPassword("New password: ")
	defer secmem.Wipe(pw)
	confirm := readPassword("Repeat password: ")
	defer secmem.Wipe(confirm)
	if string(pw) != string(confirm) {
		fatal(fmt.Errorf("passwords do not match"))
	}

	e, err := session.CreateWorkspace(cfg.Workspace.Root, pw, cfg.KDF.Params(), logging.Discard())
	if err != nil {
		fatal(err)
	}
	defer e.Lock()
	fmt.Printf("Workspace created: %s\n", e.WorkspaceID())
}

func dispatchVault(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: noteguardctl vault <create|list|delete> ...")
		os.Exit(1)
	}
	cfg := loadConfig()
	e := unlock(cfg)
	defer e.Lock()

	switch args[0] {
	case "create":
		if len(args) < 2 {
			fatal(fmt.Errorf("vault create needs a name"))
		}
		id, err := e.CreateVault(args[1])
		if err != nil {
			fatal(err)
		}
		fmt.Println(id)
	case "list":
		ids, err := e.Vaults()
		if err != nil {
			fatal(err)
		}
		for _, id := range ids {
			name := "?"
			if meta, err := e.VaultMeta(id); err == nil {
				name = meta.Name
			}
			fmt.Printf("%s  %s\n", id, name)
		}
	case "delete":
		if len(args) < 2 {
			fatal(fmt.Errorf("vault delete needs a vault id"))
		}
		if err := e.DeleteVault(args[1]); err != nil {
			fatal(err)
		}
	default:
		fatal(fmt.Errorf("unknown vault subcommand %q", args[0]))
	}
}

func dispatchNote(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: noteguardctl note <add|show|list|rm> <vault-id> ...")
		os.Exit(1)
	}
	cfg := loadConfig()
	e := unlock(cfg)
	defer e.Lock()
	store := openOutbox(cfg, e)
	defer store.Close()

	sub, vaultID := args[0], args[1]
	switch sub {
	case "add":
		if len(args) < 3 {
			fatal(fmt.Errorf("note add needs a title"))
		}
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatal(err)
		}
		n, err := e.SaveNote(vaultID, session.Note{Title: args[2], Body: string(body)})
		secmem.Wipe(body)
		if err != nil {
			fatal(err)
		}
		fmt.Println(n.ID)
	case "show":
		if len(args) < 3 {
			fatal(fmt.Errorf("note show needs a note id"))
		}
		n, err := e.LoadNote(vaultID, args[2])
		if err != nil {
			fatal(err)
		}
		fmt.Printf("# %s\n\n%s\n", n.Title, n.Body)
	case "list":
		notes, err := e.ListNotes(vaultID)
		if err != nil {
			fatal(err)
		}
		for _, m := range notes {
			fmt.Printf("%s  %s  %s\n", m.ID, m.UpdatedAt.Format(time.RFC3339), m.Title)
		}
	case "rm":
		if len(args) < 3 {
			fatal(fmt.Errorf("note rm needs a note id"))
		}
		if err := e.DeleteNote(vaultID, args[2]); err != nil {
			fatal(err)
		}
	default:
		fatal(fmt.Errorf("unknown note subcommand %q", sub))
	}
}

func dispatchNotebook(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: noteguardctl notebook <add|list> <vault-id> ...")
		os.Exit(1)
	}
	cfg := loadConfig()
	e := unlock(cfg)
	defer e.Lock()

	sub, vaultID := args[0], args[1]
	switch sub {
	case "add":
		if len(args) < 3 {
			fatal(fmt.Errorf("notebook add needs a name"))
		}
		nb, err := e.CreateNotebook(vaultID, args[2])
		if err != nil {
			fatal(err)
		}
		fmt.Println(nb.ID)
	case "list":
		nbs, err := e.ListNotebooks(vaultID)
		if err != nil {
			fatal(err)
		}
		for _, nb := range nbs {
			fmt.Printf("%s  %s\n", nb.ID, nb.Name)
		}
	default:
		fatal(fmt.Errorf("unknown notebook subcommand %q", sub))
	}
}

func cmdSearch(vaultID, query string) {
	cfg := loadConfig()
	e := unlock(cfg)
	defer e.Lock()

	hits, err := e.SearchNotes(vaultID, query)
	if err != nil {
		fatal(err)
	}
	for _, m := range hits {
		fmt.Printf("%s  %s\n", m.ID, m.Title)
	}
}

func dispatchShare(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: noteguardctl share <grant|revoke|list> <vault-id> ...")
		os.Exit(1)
	}
	cfg := loadConfig()
	e := unlock(cfg)
	defer e.Lock()
	store := openOutbox(cfg, e)
	defer store.Close()

	sub, vaultID := args[0], args[1]
	switch sub {
	case "grant":
		if len(args) < 6 {
			fatal(fmt.Errorf("share grant needs <type> <resource-id> <role> <recipient-pub-hex>"))
		}
		typ := sharing.ShareType(args[2])
		role := sharing.Role(args[4])
		pubBytes, err := hex.DecodeString(args[5])
		if err != nil {
			fatal(fmt.Errorf("recipient key: %w", err))
		}
		pub, err := sharing.ParseRecipientKey(pubBytes)
		if err != nil {
			fatal(err)
		}
		s, err := e.CreateShare(vaultID, typ, args[3], role, pub, nil)
		if err != nil {
			fatal(err)
		}
		fmt.Println(s.ShareID)
	case "revoke":
		if len(args) < 3 {
			fatal(fmt.Errorf("share revoke needs a share id"))
		}
		reissued, err := e.RevokeShare(vaultID, args[2])
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Revoked; %d share(s) re-issued under the rotated key\n", len(reissued))
	case "list":
		if len(args) < 3 {
			fatal(fmt.Errorf("share list needs a resource id"))
		}
		shares, err := e.SharesFor(vaultID, args[2])
		if err != nil {
			fatal(err)
		}
		for _, s := range shares {
			state := "active"
			if !s.IsActive {
				state = "revoked"
			}
			fmt.Printf("%s  %s  %s  %s  %s\n", s.ShareID, s.Type, s.Role, s.RecipientKeyHash, state)
		}
	default:
		fatal(fmt.Errorf("unknown share subcommand %q", sub))
	}
}

func cmdPasswd() {
	cfg := loadConfig()
	e := unlock(cfg)
	defer e.Lock()

	oldPw := readPassword("Current password: ")
	defer secmem.Wipe(oldPw)
	newPw := readPassword("New password: ")
	defer secmem.Wipe(newPw)
	confirm := readPassword("Repeat new password: ")
	defer secmem.Wipe(confirm)
	if string(newPw) != string(confirm) {
		fatal(fmt.Errorf("passwords do not match"))
	}
	if err := e.ChangePassword(oldPw, newPw); err != nil {
		fatal(err)
	}
	fmt.Println("Password changed")
}

func cmdRotate(vaultID string) {
	cfg := loadConfig()
	e := unlock(cfg)
	defer e.Lock()

	if err := e.RotateVaultKey(vaultID); err != nil {
		fatal(err)
	}
	fmt.Println("Vault key rotated")
}

func cmdIdentity(vaultID string) {
	cfg := loadConfig()
	e := unlock(cfg)
	defer e.Lock()

	id, err := e.VaultIdentity(vaultID)
	if err != nil {
		fatal(err)
	}
	defer id.Destroy()
	fmt.Printf("Fingerprint:    %s\n", id.Fingerprint)
	fmt.Printf("Signing key:    %s\n", hex.EncodeToString(id.SigningPub))
	fmt.Printf("Encryption key: %s\n", hex.EncodeToString(id.EncryptionPub.Bytes()))
}

func dispatchFastUnlock(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: noteguardctl fast-unlock <enable|disable>")
		os.Exit(1)
	}
	cfg := loadConfig()
	e := unlock(cfg)
	defer e.Lock()

	mgr := fastUnlockManager(cfg, e)
	if mgr == nil {
		fatal(fmt.Errorf("no sealing backend available on this device"))
	}

	switch args[0] {
	case "enable":
		if err := e.EnableFastUnlock(mgr); err != nil {
			fatal(err)
		}
		fmt.Printf("Fast unlock enabled (%s)\n", mgr.SealerName())
	case "disable":
		if err := mgr.Disable(); err != nil {
			fatal(err)
		}
		fmt.Println("Fast unlock disabled")
	default:
		fatal(fmt.Errorf("unknown fast-unlock subcommand %q", args[0]))
	}
}
