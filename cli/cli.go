// Package cli implements the line-oriented admin command surface.
//
// Commands arrive as single text lines (from a serial console or an
// authenticated remote admin) and every reply starts with "OK" or
// "Err - ". Supported families: setperm for per-contact ACL permissions,
// the region family for the flood-scoping map, and discover.neighbors.
package cli

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/rfmesh/meshnode/contact"
	"github.com/rfmesh/meshnode/region"
)

// Config wires the CLI to the node's state.
type Config struct {
	// Contacts is consulted and mutated by setperm.
	Contacts *contact.ContactManager

	// Regions is the region map the region family operates on.
	Regions *region.Map

	// Store persists the region map for "region save" / "region load".
	Store region.Store

	// SendDiscover broadcasts a neighbor discovery request. Nil disables
	// discover.neighbors.
	SendDiscover func() error

	// OnAclChange fires after a successful setperm so the caller can
	// schedule a contacts write. May be nil.
	OnAclChange func()

	// Logger for command handling. Falls back to slog.Default if nil.
	Logger *slog.Logger
}

// CLI dispatches admin command lines.
type CLI struct {
	cfg Config
	log *slog.Logger
}

// New creates a CLI over the given node state.
func New(cfg Config) *CLI {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{cfg: cfg, log: logger.WithGroup("cli")}
}

// Handle executes one command line and returns the reply string.
func (c *CLI) Handle(command string) string {
	command = strings.TrimSpace(command)

	switch {
	case strings.HasPrefix(command, "setperm "):
		return c.handleSetPerm(command[len("setperm "):])
	case command == "region" || strings.HasPrefix(command, "region "):
		return c.handleRegion(command)
	case command == "discover.neighbors" || strings.HasPrefix(command, "discover.neighbors "):
		return c.handleDiscover(command[len("discover.neighbors"):])
	}
	return "Err - unknown command"
}

// handleSetPerm applies a permission byte to the contact whose public key
// starts with the given hex prefix.
func (c *CLI) handleSetPerm(args string) string {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return "Err - bad params"
	}

	key, err := hex.DecodeString(parts[0])
	if err != nil || len(key) == 0 || len(key) > 32 {
		return "Err - bad pubkey"
	}

	perms, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return "Err - invalid params"
	}

	var target *contact.ContactInfo
	c.cfg.Contacts.ForEach(func(ci *contact.ContactInfo) bool {
		if bytes.HasPrefix(ci.ID[:], key) {
			target = ci
			return false
		}
		return true
	})
	if target == nil {
		return "Err - invalid params"
	}

	target.Permissions = uint8(perms)
	c.log.Info("permissions changed", "contact", target.Name, "perms", perms)
	if c.cfg.OnAclChange != nil {
		c.cfg.OnAclChange()
	}
	return "OK"
}

func (c *CLI) handleRegion(command string) string {
	parts := strings.Fields(command)
	m := c.cfg.Regions

	if len(parts) == 1 {
		return m.NamesAllowedBy(0)
	}

	switch parts[1] {
	case "load":
		if err := m.Load(c.cfg.Store); err != nil {
			return "Err - load failed"
		}
		return "OK"

	case "save":
		if err := m.Save(c.cfg.Store); err != nil {
			return "Err - save failed"
		}
		return "OK"

	case "allowf", "denyf":
		if len(parts) < 3 {
			return "Err - ??"
		}
		e := m.FindByNamePrefix(parts[2])
		if e == nil {
			return "Err - unknown region"
		}
		if parts[1] == "allowf" {
			e.Flags &^= region.DenyFlood
		} else {
			e.Flags |= region.DenyFlood
		}
		return "OK"

	case "get":
		if len(parts) < 3 {
			return "Err - ??"
		}
		e := m.FindByNamePrefix(parts[2])
		if e == nil {
			return "Err - unknown region"
		}
		flood := ""
		if e.AllowsFlood() {
			flood = "F"
		}
		parent := m.FindByID(e.Parent)
		if parent != nil && parent.ID != 0 {
			return fmt.Sprintf(" %s (%s) %s", e.Name, parent.Name, flood)
		}
		return fmt.Sprintf(" %s %s", e.Name, flood)

	case "home":
		if len(parts) < 3 {
			if home := m.Home(); home != nil {
				return fmt.Sprintf(" home is %s", home.Name)
			}
			return " home is *"
		}
		home := m.FindByNamePrefix(parts[2])
		if home == nil {
			return "Err - unknown region"
		}
		m.SetHome(home)
		return fmt.Sprintf(" home is now %s", home.Name)

	case "put":
		if len(parts) < 3 {
			return "Err - ??"
		}
		parent := m.Wildcard()
		if len(parts) >= 4 {
			parent = m.FindByNamePrefix(parts[3])
			if parent == nil {
				return "Err - unknown parent"
			}
		}
		if _, err := m.Put(parts[2], parent.ID); err != nil {
			return "Err - unable to put"
		}
		return "OK"

	case "remove":
		if len(parts) < 3 {
			return "Err - ??"
		}
		e := m.FindByName(parts[2])
		if e == nil {
			return "Err - not found"
		}
		if err := m.Remove(e); err != nil {
			if errors.Is(err, region.ErrHasChildren) {
				return "Err - not empty"
			}
			return "Err - not found"
		}
		return "OK"

	case "list":
		if len(parts) < 3 {
			return "Err - use 'allowed' or 'denied'"
		}
		var names string
		switch parts[2] {
		case "allowed":
			names = m.NamesAllowedBy(region.DenyFlood)
		case "denied":
			names = deniedNames(m)
		default:
			return "Err - use 'allowed' or 'denied'"
		}
		if names == "" {
			return "-none-"
		}
		return names
	}

	return "Err - ??"
}

// deniedNames lists regions with the deny-flood flag set, wildcard first.
func deniedNames(m *region.Map) string {
	out := ""
	if !m.Wildcard().AllowsFlood() {
		out = region.WildcardName
	}
	for _, e := range m.Entries() {
		if e.AllowsFlood() {
			continue
		}
		if out != "" {
			out += ","
		}
		out += e.Name
	}
	return out
}

func (c *CLI) handleDiscover(rest string) string {
	if strings.TrimSpace(rest) != "" {
		return "Err - discover.neighbors has no options"
	}
	if c.cfg.SendDiscover == nil {
		return "Err - discover not available"
	}
	if err := c.cfg.SendDiscover(); err != nil {
		return "Err - discover failed"
	}
	return "OK - Discover sent"
}
