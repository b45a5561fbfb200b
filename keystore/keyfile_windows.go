//go:build windows

// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package keystore

import (
	"fmt"
	"os"
)

// EnvAllowWindowsKeyFiles opts in to loading key files on Windows, where
// POSIX mode bits do not describe the effective ACL.
const EnvAllowWindowsKeyFiles = "BALLOTD_ALLOW_WINDOWS_KEY_FILES"

func checkOpenFilePermissions(f *os.File) error {
	if os.Getenv(EnvAllowWindowsKeyFiles) == "1" {
		return nil
	}
	return fmt.Errorf(
		"key file %q: cannot verify ACL on windows, set %s=1 to accept: %w",
		f.Name(),
		EnvAllowWindowsKeyFiles,
		ErrInsecureFileMode,
	)
}
