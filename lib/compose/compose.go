/*
 * Camofy
 * Copyright (C) 2025  Camofy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package compose

import (
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/camofy/camofy"
	"github.com/camofy/camofy/lib/config"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/utils"
	logutils "github.com/camofy/camofy/lib/utils/log"
)

var log = logutils.NewPackageLogger(camofy.ComponentCompose)

// coreDefaultsYAML seeds config/core-defaults.yaml on first run. The
// file stays editable afterwards; this literal is only the initial
// content.
const coreDefaultsYAML = ` # Core defaults for camofy (router)
mode: rule
mixed-port: 7897
allow-lan: false
log-level: warning
ipv6: true
external-controller-unix: /tmp/verge/clash-verge-service.sock
tun:
  enable: true
  stack: gvisor
  auto-route: true
  strict-route: false
  auto-detect-interface: true
  dns-hijack:
    - any:53
profile:
  store-selected: true
sniffer:
  sniff:
    TLS:
      ports:
      - 1-65535
      override-destination: true
    HTTP:
      ports:
      - 1-65535
      override-destination: true
  enable: true
  skip-domain:
  - Mijia Cloud
  - dlg.io.mi.com
  parse-pure-ip: false
  force-dns-mapping: true
  override-destination: true
dns:
  ipv6: true
  enable: true
  listen: 0.0.0.0:1053
  use-hosts: false
  default-nameserver:
  - 119.29.29.29
  - 223.5.5.5
  - 223.6.6.6
  - 8.8.4.4
  - 8.8.8.8
  nameserver:
  - https://durable0762.com:44443/dns-query
  - https://delirium9599.com:44443/dns-query
  - https://cf-cdn.delirium9599.com:443/dns-query
  fake-ip-range: 198.18.0.1/15
  fake-ip-filter:
  - '*.lan'
  - '*.localdomain'
  - '*.example'
  - '*.invalid'
  - '*.localhost'
  - '*.test'
  - '*.local'
  - '*.home.arpa'
`

// controllerSocketKey must survive any profile content: without it the
// daemon loses its only channel to the engine.
const controllerSocketKey = "external-controller-unix"

// Composer turns the active profiles plus the baked defaults into the
// engine config at config/merged.yaml.
type Composer struct {
	dataRoot string
}

// NewComposer returns a composer writing under dataRoot.
func NewComposer(dataRoot string) *Composer {
	return &Composer{dataRoot: dataRoot}
}

// MergedPath is where the composed engine config lives.
func (c *Composer) MergedPath() string {
	return filepath.Join(c.dataRoot, defaults.ConfigDirName, defaults.MergedConfigName)
}

// DefaultsPath is where the editable baked defaults live.
func (c *Composer) DefaultsPath() string {
	return filepath.Join(c.dataRoot, defaults.ConfigDirName, defaults.CoreDefaultsName)
}

// Generate composes merged.yaml from the given state snapshot. The
// baked defaults form the base, the active subscription overlays them
// and the active user profile overlays both, with the controller socket
// pinned to the defaults' value. The result is published atomically so
// the engine never reads a torn file.
func (c *Composer) Generate(cfg config.AppConfig) error {
	remote, err := c.loadActiveProfile(cfg, config.ProfileRemote, cfg.ActiveSubscriptionID)
	if err != nil {
		return trace.Wrap(err)
	}
	user, err := c.loadActiveProfile(cfg, config.ProfileUser, cfg.ActiveUserProfileID)
	if err != nil {
		return trace.Wrap(err)
	}

	merged, err := Merge(remote, user)
	if err != nil {
		return trace.Wrap(err)
	}

	// Defaults sit below the profiles so users can override them, with
	// one exception: the controller socket is pinned back afterwards.
	if defaultsDoc := c.loadDefaults(); defaultsDoc != nil {
		merged, err = Merge(defaultsDoc, merged)
		if err != nil {
			return trace.Wrap(err)
		}
		if socket, ok := defaultsDoc[controllerSocketKey]; ok {
			merged[controllerSocketKey] = socket
		}
	}

	data, err := yaml.Marshal(merged)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := utils.AtomicWriteFile(c.MergedPath(), data, 0o644); err != nil {
		return trace.Wrap(err)
	}
	log.Info("regenerated merged config", "path", c.MergedPath())
	return nil
}

// loadActiveProfile loads and parses the payload of the active profile
// of one kind. An unset id yields an empty document. A dangling id or a
// missing payload file is an error: composing a config that silently
// ignores the user's active choice would be worse than failing.
func (c *Composer) loadActiveProfile(cfg config.AppConfig, kind config.ProfileKind, id string) (map[string]any, error) {
	if id == "" {
		return map[string]any{}, nil
	}
	profile, ok := cfg.Profile(kind, id)
	if !ok {
		return nil, trace.NotFound("active %v profile %v not found", kind, id)
	}
	path := profile.AbsolutePath(c.dataRoot)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("%v profile payload missing at %v", kind, path)
		}
		return nil, trace.ConvertSystemError(err)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, trace.BadParameter("%v profile %v is not valid YAML: %v", kind, id, err)
	}
	return asMapping(doc, string(kind)+" profile")
}

// loadDefaults returns the parsed core-defaults.yaml, seeding it with
// the baked content when absent. Errors here degrade to composing
// without defaults rather than failing the pipeline; the engine then
// runs purely on profile content.
func (c *Composer) loadDefaults() map[string]any {
	path := c.DefaultsPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if writeErr := utils.AtomicWriteFile(path, []byte(coreDefaultsYAML), 0o644); writeErr != nil {
			log.Error("seeding core defaults failed", "path", path, "error", writeErr)
			return nil
		}
		data = []byte(coreDefaultsYAML)
	} else if err != nil {
		log.Error("reading core defaults failed", "path", path, "error", err)
		return nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		log.Error("core defaults are not valid YAML, composing without them", "path", path, "error", err)
		return nil
	}
	mapping, err := asMapping(doc, "core defaults")
	if err != nil {
		log.Error("core defaults root is not a mapping, composing without them", "path", path)
		return nil
	}
	return mapping
}
