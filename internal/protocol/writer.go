// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"io"
)

// Write assembles one frame around payload and writes it to w in a single
// Write call, so a partial write never leaves a half-emitted header on the
// wire. bitsOfLen must match the reader's configuration on the other end
// (DefaultBitsOfLen unless --wide-frames is set).
func Write(w io.Writer, payload []byte, bitsOfLen int) error {
	if len(payload) > MaxPayload(bitsOfLen) {
		return ErrPayloadTooLarge
	}

	frame := make([]byte, 0, bitsOfLen+1+bitsOfLen+len(payload))
	for i := 0; i < bitsOfLen; i++ {
		frame = append(frame, 0x00)
	}
	frame = append(frame, marker)
	frame = append(frame, []byte(fmt.Sprintf("%0*X", bitsOfLen, len(payload)))...)
	frame = append(frame, payload...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrPipeBroken, err)
	}
	return nil
}
