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

package ppc

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/ppc64/ppc64asm"
)

// Disassemble renders one instruction word located at pc in GNU syntax.
func Disassemble(w uint32, pc uint64) string {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], w)

	/* decode with the reference decoder */
	ins, err := ppc64asm.Decode(buf[:], binary.LittleEndian)
	if err != nil {
		return fmt.Sprintf(".long %#x", w)
	} else {
		return ppc64asm.GNUSyntax(ins, pc)
	}
}

// Mnemonic returns the base mnemonic of w as known to the reference decoder,
// or an empty string if w does not decode.
func Mnemonic(w uint32) string {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], w)

	/* the op name, without any extended mnemonic rewriting */
	if ins, err := ppc64asm.Decode(buf[:], binary.LittleEndian); err != nil {
		return ""
	} else {
		return ins.Op.String()
	}
}

// DisassembleRange renders a listing of words starting at pc, marking the
// line whose address equals mark.
func DisassembleRange(words []uint32, pc uint64, mark uint64) string {
	var sb strings.Builder
	for i, w := range words {
		addr := pc + uint64(i)*InstrSize
		if addr == mark {
			sb.WriteString("=> ")
		} else {
			sb.WriteString("   ")
		}
		fmt.Fprintf(&sb, "%#x: %08x  %s\n", addr, w, Disassemble(w, addr))
	}
	return sb.String()
}
