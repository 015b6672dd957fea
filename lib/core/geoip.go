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

package core

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"

	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/utils"
)

// GeoIPPath returns where the engine expects its geo database.
func (c *Controller) GeoIPPath() string {
	return filepath.Join(c.DataRoot, defaults.ConfigDirName, defaults.GeoIPName)
}

// UpdateGeoIP downloads the latest geo database into the config
// directory. The download lands in tmp first so the engine never sees a
// partial file.
func (c *Controller) UpdateGeoIP(ctx context.Context) error {
	return c.updateGeoIPFrom(ctx, c.GeoIPURL)
}

func (c *Controller) updateGeoIPFrom(ctx context.Context, url string) error {
	tmpDir := filepath.Join(c.DataRoot, defaults.TmpDirName)
	if err := utils.EnsureDir(tmpDir); err != nil {
		return trace.Wrap(err)
	}
	target := c.GeoIPPath()
	if err := utils.EnsureDir(filepath.Dir(target)); err != nil {
		return trace.Wrap(err)
	}

	log.Info("downloading geoip database", "url", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return trace.Wrap(err, "requesting geoip database")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return trace.BadParameter("geoip download responded with status %v", resp.Status)
	}

	tmpPath := filepath.Join(tmpDir, defaults.GeoIPName+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	written, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return trace.Wrap(err, "writing geoip database")
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return trace.ConvertSystemError(err)
	}
	log.Info("geoip database updated", "path", target, "bytes", written)
	return nil
}
