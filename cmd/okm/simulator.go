package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nerrad567/okm-core/internal/access"
	"github.com/nerrad567/okm-core/internal/link"
	"github.com/nerrad567/okm-core/internal/infrastructure/logging"
)

// demoKey is a badge the simulator registers on first start.
type demoKey struct {
	key      access.Key
	grantAll bool
}

// demoKeys covers the three badge outcomes: an allowed key, a registered
// key without permissions, and (by omission) any unregistered key.
var demoKeys = []demoKey{
	{key: access.Key{KeyID: "SIM-ALLOWED", Name: "Ada", Surname: "Lovelace"}, grantAll: true},
	{key: access.Key{KeyID: "SIM-DENIED", Name: "Charles", Surname: "Babbage"}},
}

// keySeeder is the part of the store seeding needs.
type keySeeder interface {
	CreateKey(ctx context.Context, k *access.Key) error
	Grant(ctx context.Context, keyID string, deviceID int) error
}

// seedDemoKeys registers the demo badges. Running it again is a no-op.
func seedDemoKeys(ctx context.Context, store keySeeder, deviceIDs []int) error {
	for _, d := range demoKeys {
		k := d.key
		if err := store.CreateKey(ctx, &k); err != nil && !errors.Is(err, access.ErrKeyExists) {
			return fmt.Errorf("seeding key %s: %w", k.KeyID, err)
		}
		if !d.grantAll {
			continue
		}
		for _, id := range deviceIDs {
			if err := store.Grant(ctx, k.KeyID, id); err != nil {
				return fmt.Errorf("granting %s on device %d: %w", k.KeyID, id, err)
			}
		}
	}
	return nil
}

// parseBadgeLine parses "<device_id> <key_id>". Blank lines and lines
// starting with '#' return ok=false and no error.
func parseBadgeLine(line string) (deviceID int, keyID string, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return 0, "", false, nil
	}

	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, "", false, fmt.Errorf("want \"<device_id> <key_id>\", got %q", line)
	}
	deviceID, err = strconv.Atoi(fields[0])
	if err != nil || deviceID <= 0 {
		return 0, "", false, fmt.Errorf("%w: %q", access.ErrInvalidDeviceID, fields[0])
	}
	if err := access.ValidateKeyID(fields[1]); err != nil {
		return 0, "", false, err
	}
	return deviceID, fields[1], true, nil
}

// runSimulator badges keys on virtual links as lines arrive on in. It
// returns when ctx is cancelled or in reaches EOF.
//
// The scanner goroutine may outlive the call while blocked on a read; it
// exits on the next line or EOF.
func runSimulator(ctx context.Context, in io.Reader, links map[int]*link.VirtualLink, log *logging.Logger) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	log.Info("simulator ready", "usage", "<device_id> <key_id>", "devices", len(links))

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, open := <-lines:
			if !open {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("reading simulator input: %w", err)
					}
				default:
				}
				log.Info("simulator input closed")
				return nil
			}

			deviceID, keyID, ok, err := parseBadgeLine(line)
			if err != nil {
				log.Warn("ignoring simulator input", "error", err)
				continue
			}
			if !ok {
				continue
			}
			v, found := links[deviceID]
			if !found {
				log.Warn("no simulated device", "device_id", deviceID)
				continue
			}
			v.Badge(keyID)
			log.Debug("badge simulated", "device_id", deviceID, "key_id", keyID)
		}
	}
}
