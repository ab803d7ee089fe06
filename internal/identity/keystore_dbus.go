//go:build linux

package identity

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Secret Service constants (org.freedesktop.secrets).
const (
	secretsDest       = "org.freedesktop.secrets"
	secretsPath       = dbus.ObjectPath("/org/freedesktop/secrets")
	defaultCollection = dbus.ObjectPath("/org/freedesktop/secrets/aliases/default")

	serviceIface    = "org.freedesktop.Secret.Service"
	collectionIface = "org.freedesktop.Secret.Collection"
	itemIface       = "org.freedesktop.Secret.Item"
)

// dbusSecret mirrors the Secret Service wire struct.
type dbusSecret struct {
	Session     dbus.ObjectPath
	Parameters  []byte
	Value       []byte
	ContentType string
}

// DBusKeystore stores device secrets in the desktop Secret Service
// (GNOME Keyring, KWallet) over D-Bus. Selected on Linux desktops where a
// session bus is available.
type DBusKeystore struct {
	conn    *dbus.Conn
	session dbus.ObjectPath
}

// NewDBusKeystore connects to the session bus and opens a plain transport
// session with the Secret Service.
func NewDBusKeystore() (*DBusKeystore, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("identity: session bus: %w", err)
	}
	svc := conn.Object(secretsDest, secretsPath)

	var output dbus.Variant
	var session dbus.ObjectPath
	err = svc.Call(serviceIface+".OpenSession", 0, "plain", dbus.MakeVariant("")).Store(&output, &session)
	if err != nil {
		return nil, fmt.Errorf("identity: open secret service session: %w", err)
	}
	return &DBusKeystore{conn: conn, session: session}, nil
}

func (k *DBusKeystore) attributes(name string) map[string]string {
	return map[string]string{
		"application": "noteguard",
		"key":         name,
	}
}

// Store implements SecureKeystore. Existing entries are replaced.
func (k *DBusKeystore) Store(name string, secret []byte) error {
	coll := k.conn.Object(secretsDest, defaultCollection)
	props := map[string]dbus.Variant{
		"org.freedesktop.Secret.Item.Label":      dbus.MakeVariant("noteguard: " + name),
		"org.freedesktop.Secret.Item.Attributes": dbus.MakeVariant(k.attributes(name)),
	}
	sec := dbusSecret{
		Session:     k.session,
		Value:       secret,
		ContentType: "application/octet-stream",
	}

	var item, prompt dbus.ObjectPath
	err := coll.Call(collectionIface+".CreateItem", 0, props, sec, true).Store(&item, &prompt)
	if err != nil {
		return fmt.Errorf("identity: secret service store: %w", err)
	}
	return nil
}

// Retrieve implements SecureKeystore.
func (k *DBusKeystore) Retrieve(name string) ([]byte, error) {
	item, err := k.find(name)
	if err != nil {
		return nil, err
	}
	var sec dbusSecret
	err = k.conn.Object(secretsDest, item).Call(itemIface+".GetSecret", 0, k.session).Store(&sec)
	if err != nil {
		return nil, fmt.Errorf("identity: secret service retrieve: %w", err)
	}
	return sec.Value, nil
}

// Delete implements SecureKeystore. Deleting a missing entry is a no-op.
func (k *DBusKeystore) Delete(name string) error {
	item, err := k.find(name)
	if errors.Is(err, ErrKeystoreMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	var prompt dbus.ObjectPath
	err = k.conn.Object(secretsDest, item).Call(itemIface+".Delete", 0).Store(&prompt)
	if err != nil {
		return fmt.Errorf("identity: secret service delete: %w", err)
	}
	return nil
}

func (k *DBusKeystore) find(name string) (dbus.ObjectPath, error) {
	svc := k.conn.Object(secretsDest, secretsPath)
	var unlocked, locked []dbus.ObjectPath
	err := svc.Call(serviceIface+".SearchItems", 0, k.attributes(name)).Store(&unlocked, &locked)
	if err != nil {
		return "", fmt.Errorf("identity: secret service search: %w", err)
	}
	if len(unlocked) > 0 {
		return unlocked[0], nil
	}
	if len(locked) > 0 {
		return locked[0], nil
	}
	return "", fmt.Errorf("%w: %s", ErrKeystoreMiss, name)
}
