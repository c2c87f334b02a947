package remotesigner

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// D-Bus coordinates of the signer service.
const (
	BusName    = "com.plebsigner.Signer"
	ObjectPath = "/com/plebsigner/Signer"
	Interface  = "com.plebsigner.Signer1"

	errServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
	errNameHasNoOwner = "org.freedesktop.DBus.Error.NameHasNoOwner"
)

// busCaller opens a private session bus connection per call.
type busCaller struct{}

func (busCaller) connect() (*dbus.Conn, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return conn, nil
}

func (b busCaller) Call(ctx context.Context, method string, args ...any) (string, error) {
	conn, err := b.connect()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	var out string
	obj := conn.Object(BusName, dbus.ObjectPath(ObjectPath))
	if err := obj.CallWithContext(ctx, Interface+"."+method, 0, args...).Store(&out); err != nil {
		if isUnreachable(err) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", fmt.Errorf("call %s: %w", method, err)
	}
	return out, nil
}

func (b busCaller) HasOwner(ctx context.Context) (bool, error) {
	conn, err := b.connect()
	if err != nil {
		return false, err
	}
	defer conn.Close()

	var has bool
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, BusName).Store(&has); err != nil {
		return false, fmt.Errorf("name has owner: %w", err)
	}
	return has, nil
}

func isUnreachable(err error) bool {
	var dErr dbus.Error
	if errors.As(err, &dErr) {
		return dErr.Name == errServiceUnknown || dErr.Name == errNameHasNoOwner
	}
	var pErr *dbus.Error
	if errors.As(err, &pErr) && pErr != nil {
		return pErr.Name == errServiceUnknown || pErr.Name == errNameHasNoOwner
	}
	return false
}
