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

// Package weberr defines the stable machine readable error codes the API
// reports in its response envelope, and an error type that carries one
// through a trace chain.
package weberr

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Response codes. The web UI dispatches on these, so they are part of
// the API contract and must stay stable.
const (
	CodeOK = "ok"

	// Auth and settings.
	CodeUnauthorized             = "unauthorized"
	CodeAuthPasswordNotSet       = "auth_password_not_set"
	CodeAuthInvalidPassword      = "auth_invalid_password"
	CodeAuthInvalidPasswordStore = "auth_invalid_password_store"
	CodeSettingsInvalidPassword  = "settings_invalid_password"

	// Persistence and composition.
	CodeConfigSaveFailed       = "config_save_failed"
	CodeConfigMergeFailed      = "config_merge_failed"
	CodeMergedConfigNotFound   = "merged_config_not_found"
	CodeMergedConfigReadFailed = "merged_config_read_failed"
	CodeSettingsHashFailed     = "settings_hash_failed"

	// Profiles.
	CodeSubscriptionNotFound    = "subscription_not_found"
	CodeSubscriptionFetchFailed = "subscription_fetch_failed"
	CodeSubscriptionSaveFailed  = "subscription_save_failed"
	CodeSubscriptionURLMissing  = "subscription_url_missing"
	CodeUserProfileNotFound     = "user_profile_not_found"
	CodeUserProfileInvalidYAML  = "user_profile_invalid_yaml"
	CodeUserProfileReadFailed   = "user_profile_read_failed"
	CodeUserProfileWriteFailed  = "user_profile_write_failed"

	// Core lifecycle.
	CodeCoreNotInstalled        = "core_not_installed"
	CodeCoreNotRunning          = "core_not_running"
	CodeCoreAlreadyRunning      = "core_already_running"
	CodeCoreOperationInProgress = "core_operation_in_progress"
	CodeCoreDownloadFailed      = "core_download_failed"
	CodeCoreResolveURLFailed    = "core_resolve_download_url_failed"
	CodeCoreUnsupportedArch     = "core_unsupported_arch"
	CodeCoreExtractFailed       = "core_extract_failed"
	CodeCoreInstallFailed       = "core_install_failed"
	CodeCoreMetaSaveFailed      = "core_meta_save_failed"
	CodeCoreConfigMissing       = "core_config_missing"
	CodeCoreStartFailed         = "core_start_failed"
	CodeCoreStopFailed          = "core_stop_failed"

	// Engine RPC.
	CodeMihomoSecretError      = "mihomo_secret_error"
	CodeMihomoProxiesFailed    = "mihomo_proxies_failed"
	CodeMihomoSelectFailed     = "mihomo_select_failed"
	CodeMihomoInvalidProxyName = "mihomo_invalid_proxy_name"
	CodeMihomoGroupNotFound    = "mihomo_group_not_found"
	CodeMihomoDelayProxyFailed = "mihomo_delay_proxy_failed"

	// Logs.
	CodeLogNotFound   = "log_not_found"
	CodeLogReadFailed = "log_read_failed"

	// Catch-all for anything without a more specific code.
	CodeInternalError = "internal_error"
	CodeBadRequest    = "bad_request"
	CodeNotFound      = "not_found"
)

// Error pairs a stable code with a human readable message. The message
// goes to the envelope verbatim; keep it safe for end users.
type Error struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// New returns an error carrying the given code, wrapped with a trace so
// the call site is captured.
func New(code, format string, args ...any) error {
	return trace.Wrap(&Error{Code: code, Message: fmt.Sprintf(format, args...)})
}

// WithCode attaches code to an existing error, keeping it in the chain
// so its text is preserved in logs.
func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	return trace.Wrap(&Error{Code: code, Message: trace.UserMessage(err)})
}

// Code extracts the stable code from err, unwrapping trace and errors
// chains. Errors without one map to generic trace classifications, then
// to CodeInternalError.
func Code(err error) string {
	if err == nil {
		return CodeOK
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case trace.IsNotFound(err):
		return CodeNotFound
	case trace.IsBadParameter(err):
		return CodeBadRequest
	case trace.IsAccessDenied(err):
		return CodeUnauthorized
	}
	return CodeInternalError
}
