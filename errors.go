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

package trapasm

import (
    `fmt`
    `syscall`
)

// CodeCacheError occures when code cannot be placed in the code cache.
type CodeCacheError struct {
    Name string
    Err  error
}

func (self CodeCacheError) Error() string {
    return fmt.Sprintf("CodeCacheError(%s): %v", self.Name, self.Err)
}

func (self CodeCacheError) Unwrap() error {
    return self.Err
}

// SignalError occures when the signal handlers cannot be set up.
type SignalError struct {
    Signal syscall.Signal
    Reason string
}

func (self SignalError) Error() string {
    if self.Signal != 0 {
        return fmt.Sprintf("SignalError(%d): %s", int(self.Signal), self.Reason)
    } else {
        return fmt.Sprintf("SignalError: %s", self.Reason)
    }
}
