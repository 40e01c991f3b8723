package session

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	waStore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"
)

// tenantMarker tags a whatsmeow device row with the owning tenant so the
// shared credential container can be partitioned per tenant.
func tenantMarker(tenantID string) string {
	return "tenant:" + tenantID
}

// Credentials is the durable key-material contract: load-or-create at
// session start, delete on logout or credential invalidation. Key material
// itself is written by the channel client once pairing completes.
type Credentials interface {
	LoadOrCreate(ctx context.Context, tenantID string) (*waStore.Device, error)
	Delete(ctx context.Context, tenantID string) error
	Tenants(ctx context.Context) ([]string, error)
}

// SQLCredentials keeps whatsmeow device credentials in a sqlite file, one
// device row per tenant, found again by the BusinessName marker.
type SQLCredentials struct {
	container *sqlstore.Container
}

func NewSQLCredentials(ctx context.Context, path string) (*SQLCredentials, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", path)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open credential store")
	}
	return &SQLCredentials{container: container}, nil
}

// WrapContainer adapts an already opened whatsmeow container. Used by the
// terminal pairing helper, which manages the container itself.
func WrapContainer(container *sqlstore.Container) *SQLCredentials {
	return &SQLCredentials{container: container}
}

func (c *SQLCredentials) find(ctx context.Context, tenantID string) (*waStore.Device, error) {
	devices, err := c.container.GetAllDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list credential devices")
	}
	marker := tenantMarker(tenantID)
	for _, d := range devices {
		if d != nil && d.BusinessName == marker {
			return d, nil
		}
	}
	return nil, nil
}

// LoadOrCreate returns the tenant's stored device, or a fresh unpaired one.
// A fresh device is not persisted here; the client writes it once the
// credential scan completes.
func (c *SQLCredentials) LoadOrCreate(ctx context.Context, tenantID string) (*waStore.Device, error) {
	dev, err := c.find(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if dev != nil {
		return dev, nil
	}
	dev = c.container.NewDevice()
	dev.BusinessName = tenantMarker(tenantID)
	zap.L().Info("session: new credential device created", zap.String("tenant", tenantID))
	return dev, nil
}

// Delete purges the tenant's stored credentials. Missing credentials are not
// an error; the next connect simply starts a fresh pairing.
func (c *SQLCredentials) Delete(ctx context.Context, tenantID string) error {
	dev, err := c.find(ctx, tenantID)
	if err != nil {
		return err
	}
	if dev == nil {
		return nil
	}
	if err := c.container.DeleteDevice(ctx, dev); err != nil {
		return errors.Wrap(err, "delete credential device")
	}
	zap.L().Info("session: credentials deleted", zap.String("tenant", tenantID))
	return nil
}

// Tenants lists every tenant with stored credentials, used to restore
// sessions at startup.
func (c *SQLCredentials) Tenants(ctx context.Context) ([]string, error) {
	devices, err := c.container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		if d == nil {
			continue
		}
		if t, ok := strings.CutPrefix(d.BusinessName, "tenant:"); ok && t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}
