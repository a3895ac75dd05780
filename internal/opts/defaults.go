/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package opts

import (
	"os"
	"strconv"
	"strings"
)

const (
	_DefaultCodeCacheSize = 4 << 20 // 4 MiB of generated code
	_DefaultSRTimeoutMs   = 2000    // wait up to 2s for a suspend handshake
	_DefaultSRSignal      = 12      // SIGUSR2 on linux
)

var (
	CodeCacheSize    = parseOrDefault("TRAPASM_CODE_CACHE_SIZE", _DefaultCodeCacheSize, 64<<10)
	SRTimeoutMs      = parseOrDefault("TRAPASM_SR_TIMEOUT_MS", _DefaultSRTimeoutMs, 0)
	SRSignal         = parseSignal("TRAPASM_SR_SIGNUM", _DefaultSRSignal)
	ShortBranchReach = parseOrDefault("TRAPASM_SHORT_BRANCH_REACH", 0, -1)
	DefaultLocking   = parseLockingMode("TRAPASM_LOCKING_MODE", LockingLightweight)
	TrapBasedChecks  = parseBool("TRAPASM_TRAP_BASED_CHECKS", true)
)

func parseOrDefault(key string, def int, min int) int {
	if env := os.Getenv(key); env == "" {
		return def
	} else if val, err := strconv.ParseUint(env, 0, 64); err != nil {
		panic("trapasm: invalid value for " + key)
	} else if ret := int(val); ret <= min {
		panic("trapasm: value too small for " + key)
	} else {
		return ret
	}
}

// parseSignal never panics, a malformed signal number is reported as -1
// and replaced by the default when the suspend protocol validates it.
func parseSignal(key string, def int) int {
	if env := os.Getenv(key); env == "" {
		return def
	} else if val, err := strconv.Atoi(env); err != nil {
		return -1
	} else {
		return val
	}
}

func parseBool(key string, def bool) bool {
	if env := os.Getenv(key); env == "" {
		return def
	} else if val, err := strconv.ParseBool(env); err != nil {
		panic("trapasm: invalid value for " + key)
	} else {
		return val
	}
}

func parseLockingMode(key string, def LockingMode) LockingMode {
	switch env := strings.ToLower(os.Getenv(key)); env {
	case "":
		return def
	case "monitor", "0":
		return LockingMonitor
	case "legacy", "stack", "1":
		return LockingStack
	case "lightweight", "2":
		return LockingLightweight
	default:
		panic("trapasm: invalid value for " + key)
	}
}
