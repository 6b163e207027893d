// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package service

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/celzero/netcon/intra/log"
)

const (
	networksDir     = "networks.d"
	identitySecret  = "identity.secret"
	identityPublic  = "identity.public"
	collisionSuffix = ".saved_after_collision"
	// network ids are 64 bit, as 16 hex digits
	networkIDLen = 16
)

var errBadNetworkID = errors.New("service: network id must be 16 hex digits")

// PrepareHome creates home and its networks.d; if nwid is set, an
// empty networks.d/<nwid>.conf marks it as a network to join.
func PrepareHome(home, nwid string) error {
	if len(home) <= 0 {
		return nil
	}
	nets := filepath.Join(home, networksDir)
	if err := os.MkdirAll(nets, 0o700); err != nil {
		return fmt.Errorf("service: home %s: %w", home, err)
	}
	if len(nwid) <= 0 {
		return nil
	}
	if _, err := hex.DecodeString(nwid); err != nil || len(nwid) != networkIDLen {
		return errBadNetworkID
	}
	conf := filepath.Join(nets, nwid+".conf")
	f, err := os.OpenFile(conf, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("service: join %s: %w", nwid, err)
	}
	log.I("service: home %s; joining %s", home, nwid)
	return f.Close()
}

// moveIdentityAside keeps a copy of the colliding secret and removes
// both identity files, so the next run generates a new identity.
func moveIdentityAside(home string) error {
	secret := filepath.Join(home, identitySecret)
	public := filepath.Join(home, identityPublic)

	if b, err := os.ReadFile(secret); err == nil {
		if err := os.WriteFile(secret+collisionSuffix, b, 0o600); err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for _, p := range []string{secret, public} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	log.W("service: identity collision; saved %s%s", secret, collisionSuffix)
	return nil
}
