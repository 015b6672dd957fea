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
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gravitational/trace"

	"github.com/camofy/camofy"
	"github.com/camofy/camofy/lib/defaults"
	"github.com/camofy/camofy/lib/events"
	"github.com/camofy/camofy/lib/utils"
	"github.com/camofy/camofy/lib/weberr"
)

// DetectArch reports the machine architecture, preferring uname -m over
// the compile-time value so a 32-bit daemon on a 64-bit router still
// installs the right engine build.
func DetectArch() string {
	if out, err := exec.Command("uname", "-m").Output(); err == nil {
		if arch := strings.TrimSpace(string(out)); arch != "" {
			return arch
		}
	}
	return runtime.GOARCH
}

// engineArchTag maps a machine architecture to the engine's release
// asset naming. Empty means unsupported.
func engineArchTag(arch string) string {
	arch = strings.ToLower(arch)
	switch {
	case arch == "x86_64" || arch == "amd64":
		return "linux-amd64"
	case arch == "aarch64" || arch == "arm64":
		return "linux-arm64"
	case strings.HasPrefix(arch, "armv7"):
		return "linux-armv7"
	case strings.HasPrefix(arch, "armv8"):
		return "linux-armv8"
	case arch == "mipsel" || strings.HasPrefix(arch, "mipsle"):
		return "linux-mipsle"
	case strings.HasPrefix(arch, "mips"):
		return "linux-mips"
	}
	return ""
}

// resolveDownloadURL asks the release mirror for the latest tag and
// derives the asset URL for archTag. Returns url, version, asset name.
func (c *Controller) resolveDownloadURL(ctx context.Context, archTag string) (string, string, string, error) {
	return c.resolveDownloadURLAt(ctx, defaults.ReleaseMetaURL, archTag)
}

func (c *Controller) resolveDownloadURLAt(ctx context.Context, metaURL, archTag string) (string, string, string, error) {
	log.Info("fetching latest core release", "url", metaURL, "arch", archTag)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURL, nil)
	if err != nil {
		return "", "", "", trace.Wrap(err)
	}
	req.Header.Set("User-Agent", "camofy/"+camofy.Version)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", "", "", trace.Wrap(err, "requesting latest release info")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", "", trace.BadParameter("release info request failed with status %v", resp.Status)
	}

	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", "", "", trace.Wrap(err, "parsing release json")
	}
	if release.TagName == "" {
		return "", "", "", trace.BadParameter("release json has no tag_name")
	}

	version := strings.TrimPrefix(release.TagName, "v")
	asset := fmt.Sprintf("mihomo-%s-v%s.gz", archTag, version)
	url := fmt.Sprintf("%s/%s/%s", defaults.DownloadBaseURL, release.TagName, asset)
	return url, version, asset, nil
}

// extractEngineBinary unpacks the downloaded asset: tar.gz archives are
// searched for a mihomo entry, plain .gz is gunzipped, anything else is
// taken as the raw binary.
func extractEngineBinary(data []byte, assetName string) ([]byte, error) {
	name := strings.ToLower(assetName)
	switch {
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, trace.Wrap(err, "opening archive")
		}
		defer gz.Close()
		tr := tar.NewReader(gz)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, trace.Wrap(err, "reading tar entry")
			}
			if hdr.Typeflag != tar.TypeReg {
				continue
			}
			if strings.Contains(strings.ToLower(filepath.Base(hdr.Name)), "mihomo") {
				buf, err := io.ReadAll(tr)
				if err != nil {
					return nil, trace.Wrap(err, "reading core from archive")
				}
				return buf, nil
			}
		}
		return nil, trace.NotFound("no core binary found in archive")
	case strings.HasSuffix(name, ".gz"):
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, trace.Wrap(err, "opening gzip")
		}
		defer gz.Close()
		buf, err := io.ReadAll(gz)
		if err != nil {
			return nil, trace.Wrap(err, "decompressing core gzip")
		}
		return buf, nil
	default:
		return data, nil
	}
}

// download installs or updates the engine binary, reporting progress
// through the operation tracker. An empty url means resolve the latest
// release for this machine.
func (c *Controller) download(ctx context.Context, url string) error {
	archTag := engineArchTag(DetectArch())
	if archTag == "" {
		return weberr.New(weberr.CodeCoreUnsupportedArch,
			"unsupported system arch for core download: %v", DetectArch())
	}

	var version, asset string
	url = strings.TrimSpace(url)
	if url != "" {
		asset = url[strings.LastIndex(url, "/")+1:]
		if asset == "" {
			asset = defaults.CoreBinaryName
		}
	} else {
		var err error
		url, version, asset, err = c.resolveDownloadURL(ctx, archTag)
		if err != nil {
			return weberr.WithCode(weberr.CodeCoreResolveURLFailed, err)
		}
	}
	log.Info("downloading core", "url", url)

	data, err := c.fetchWithProgress(ctx, url)
	if err != nil {
		return weberr.WithCode(weberr.CodeCoreDownloadFailed, err)
	}

	binary, err := extractEngineBinary(data, asset)
	if err != nil {
		return weberr.WithCode(weberr.CodeCoreExtractFailed,
			trace.Wrap(err, "extracting core binary from %v", asset))
	}

	if err := c.installBinary(binary); err != nil {
		return weberr.WithCode(weberr.CodeCoreInstallFailed, err)
	}

	meta := loadMeta(c.DataRoot)
	meta.Arch = archTag
	meta.Version = version
	meta.LastDownloadTime = utils.TimestampString(c.Clock.Now())
	if err := saveMeta(c.DataRoot, meta); err != nil {
		return weberr.WithCode(weberr.CodeCoreMetaSaveFailed, err)
	}

	log.Info("core downloaded and installed", "path", binaryPath(c.DataRoot), "version", version)
	return nil
}

// fetchWithProgress streams url into memory, emitting clamped progress
// updates when the response declares a length.
func (c *Controller) fetchWithProgress(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, trace.Wrap(err, "sending core download request")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, trace.BadParameter("core download responded with status %v", resp.Status)
	}

	total := resp.ContentLength
	var buf bytes.Buffer
	chunk := make([]byte, 64<<10)
	var lastReported float64 = -1
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if total > 0 {
				progress := float64(buf.Len()) / float64(total)
				if progress > 1 {
					progress = 1
				}
				// Only meaningful deltas; every read would flood the bus.
				if progress-lastReported >= 0.01 || progress == 1 {
					lastReported = progress
					c.tracker.progress(events.OpDownload, progress, "downloading core")
				}
			}
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, trace.Wrap(err, "reading core download body")
		}
	}
}

// installBinary writes the engine binary through tmp and renames it into
// place. The chmod failure is warn-only; some filesystems refuse it.
func (c *Controller) installBinary(binary []byte) error {
	tmpDir := filepath.Join(c.DataRoot, defaults.TmpDirName)
	if err := utils.EnsureDir(tmpDir); err != nil {
		return trace.Wrap(err)
	}
	if err := utils.EnsureDir(coreDir(c.DataRoot)); err != nil {
		return trace.Wrap(err)
	}
	tmpPath := filepath.Join(tmpDir, "mihomo-download.tmp")
	if err := os.WriteFile(tmpPath, binary, 0o644); err != nil {
		return trace.ConvertSystemError(err)
	}
	target := binaryPath(c.DataRoot)
	if err := os.Rename(tmpPath, target); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Chmod(target, 0o755); err != nil {
		log.Warn("setting executable permissions on core binary failed",
			"path", target, "error", err)
	}
	return nil
}
