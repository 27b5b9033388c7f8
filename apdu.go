// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package nfcrelay

import "fmt"

// Common command INS codes, kept for callers building synthetic APDUs in
// tests and the simulator; the relay itself never inspects these.
const (
	InsSelect       = 0xA4
	InsReadBinary   = 0xB0
	InsUpdateBinary = 0xD6
	InsGetResponse  = 0xC0
)

// APDU is a parsed ISO 7816-4 command. Lc and Le are optional fields;
// HasLc/HasLe report their presence. The relay never interprets
// CLA/INS/P1/P2/Data; it only needs enough structure to find frame
// boundaries.
type APDU struct {
	CLA, INS, P1, P2 byte

	HasLc bool
	Lc    int // 1..65535 when HasLc
	Data  []byte

	HasLe bool
	Le    int // 1..65536 when HasLe
}

// EncodedLen returns the length of the canonical encoding Encode
// produces. For an APDU parsed off the wire this can be shorter than the
// bytes it was parsed from (a sender may use the extended form for a
// small Lc); callers advancing through a byte stream must use the
// consumed length Parse returns, not this.
func (a APDU) EncodedLen() int {
	length := 4
	if a.HasLc && a.Lc > 0 {
		if a.Lc <= 255 {
			length++
		} else {
			length += 3
		}
		length += a.Lc
	}
	if a.HasLe {
		if a.Le <= 256 {
			length++
		} else {
			length += 3
		}
	}
	return length
}

// Encode renders a back to wire bytes in canonical form: short length
// fields whenever the value fits, the 0x00-prefixed two-byte extended
// form otherwise. Le of 256 encodes as a single 0x00 byte; extended Le
// of 65536 encodes as 0x00 0x00 0x00.
func (a APDU) Encode() []byte {
	out := make([]byte, 0, a.EncodedLen())
	out = append(out, a.CLA, a.INS, a.P1, a.P2)

	if a.HasLc && a.Lc > 0 {
		if a.Lc <= 255 {
			out = append(out, byte(a.Lc))
		} else {
			out = append(out, 0x00, byte(a.Lc>>8), byte(a.Lc))
		}
		out = append(out, a.Data...)
	}

	if a.HasLe {
		switch {
		case a.Le <= 256:
			if a.Le == 256 {
				out = append(out, 0x00)
			} else {
				out = append(out, byte(a.Le))
			}
		default:
			out = append(out, 0x00, byte(a.Le>>8), byte(a.Le))
		}
	}

	return out
}

// IsComplete reports whether buf begins with a complete APDU. It is
// stateless: callers own their own staging cursor and call Parse once
// IsComplete returns true.
func IsComplete(buf []byte) bool {
	_, ok := frameLen(buf)
	return ok
}

// frameLen finds the boundary of the first APDU in buf and returns its
// wire length. The encoding is ambiguous on a byte stream (a fifth byte
// can be a short Le, a short Lc, or the first header byte of the next
// frame), so frameLen resolves it conservatively:
//
//   - A nonzero fifth byte is read as an Lc. The frame is complete once
//     the declared data is present, either alone or followed by a valid
//     trailing Le block (one byte, or three bytes starting 0x00), and
//     incomplete while the data is still arriving. Any other trailing
//     byte count means the boundary has not resolved yet.
//   - A zero fifth byte with exactly one trailing byte is Case 2 with
//     Le=256; with three or more it is read as an extended Lc, except
//     that exactly 00 00 00 after the header is Case 2 with an extended
//     Le of 65536 (an extended Lc is never zero). A Case 2 frame with any
//     other extended Le is read as an extended Lc and does not resolve
//     on its own. If the
//     extended reading does not resolve against the bytes on hand but
//     the bytes from offset 4 frame cleanly on their own, the first four
//     bytes are a bare Case 1 header and the zero byte belongs to the
//     next frame.
//
// Misframing is still possible on pathological streams (the bytes of two
// interleaved encodings can be genuinely indistinguishable); the
// validation/resynchronization path in the relay recovers from those.
func frameLen(buf []byte) (int, bool) {
	n := len(buf)
	if n < 4 {
		return 0, false
	}
	if n == 4 {
		return 4, true
	}

	if b := buf[4]; b != 0x00 {
		body := 5 + int(b)
		switch {
		case n < body:
			return 0, false // declared data still arriving
		case n == body:
			return body, true // Case 3 short
		case n == body+1:
			return body + 1, true // Case 4 short
		case n == body+3 && buf[body] == 0x00:
			return body + 3, true // Case 4 short with extended Le
		}
		return 0, false // unexplained trailing bytes; wait to realign
	}

	// buf[4] == 0x00: Case 2 with Le=256, an extended Lc, or the first
	// byte of the next frame after a bare Case 1 header.
	if n == 5 {
		return 5, true // Case 2 short, Le=256
	}
	if n >= 7 {
		lc := int(buf[5])<<8 | int(buf[6])
		if lc > 0 {
			body := 7 + lc
			switch {
			case n == body:
				return body, true // Case 3 extended
			case n == body+3 && buf[body] == 0x00:
				return body + 3, true // Case 4 extended
			}
		} else if n == 7 {
			return 7, true // Case 2 extended, Le=65536
		}
	}
	if _, ok := frameLen(buf[4:]); ok {
		return 4, true // bare header followed by the next frame
	}
	return 0, false
}

// Parse extracts the first APDU from buf and returns it along with the
// number of bytes it occupied on the wire. It returns ok=false when buf
// does not begin with a complete frame, or, when validate is true,
// when the frame fails structural validation (INS in {0x00, 0xFF},
// (CLA & 0x0F) == 0x0F). Callers advance their staging cursor by the
// returned consumed count, which can exceed the APDU's canonical
// EncodedLen when the sender used the extended form for a small length.
func Parse(buf []byte, validate bool) (APDU, int, bool) {
	a, consumed, err := parse(buf, validate)
	if err != nil {
		return APDU{}, 0, false
	}
	return a, consumed, true
}

// ParseErr behaves like Parse but returns the specific failure instead
// of collapsing it to a bool, for callers (such as the relay
// coordinator) that report a reason alongside a discarded byte.
func ParseErr(buf []byte, validate bool) (APDU, int, error) {
	return parse(buf, validate)
}

func parse(buf []byte, validate bool) (APDU, int, error) {
	flen, ok := frameLen(buf)
	if !ok {
		return APDU{}, 0, fmt.Errorf("%w: no complete APDU at buffer head (%d bytes)", ErrMalformedAPDU, len(buf))
	}
	frame := buf[:flen]

	a := APDU{CLA: frame[0], INS: frame[1], P1: frame[2], P2: frame[3]}
	offset := 4

	if remaining := flen - offset; remaining == 1 {
		a.HasLe = true
		a.Le = leValue(frame[offset])
	} else if remaining == 3 && frame[offset] == 0x00 {
		le := int(frame[offset+1])<<8 | int(frame[offset+2])
		if le == 0 {
			le = 65536
		}
		a.HasLe = true
		a.Le = le
	} else if remaining > 1 {
		var lc int
		if frame[offset] == 0x00 && remaining >= 3 {
			lc = int(frame[offset+1])<<8 | int(frame[offset+2])
			offset += 3
		} else {
			lc = int(frame[offset])
			offset++
		}
		a.HasLc = true
		a.Lc = lc

		if offset+lc > flen {
			return APDU{}, 0, fmt.Errorf("%w: declared Lc %d exceeds frame", ErrMalformedAPDU, lc)
		}
		a.Data = append([]byte(nil), frame[offset:offset+lc]...)
		offset += lc

		switch trailing := flen - offset; {
		case trailing == 0:
		case trailing == 1:
			a.HasLe = true
			a.Le = leValue(frame[offset])
		case trailing == 3 && frame[offset] == 0x00:
			le := int(frame[offset+1])<<8 | int(frame[offset+2])
			if le == 0 {
				le = 65536
			}
			a.HasLe = true
			a.Le = le
		default:
			return APDU{}, 0, fmt.Errorf("%w: unexplained trailing bytes", ErrMalformedAPDU)
		}
	}

	if validate {
		if err := validateStructure(a); err != nil {
			return APDU{}, 0, err
		}
	}

	return a, flen, nil
}

// leValue maps a single Le byte to its meaning (0 means 256).
func leValue(b byte) int {
	if b == 0 {
		return 256
	}
	return int(b)
}

// validateStructure checks the structural invariants from the data
// model: INS must not be 0x00 or 0xFF, the low nibble of CLA must not be
// 0x0F, and when Lc is present the data length must equal it exactly.
func validateStructure(a APDU) error {
	if a.INS == 0x00 || a.INS == 0xFF {
		return fmt.Errorf("%w: reserved INS 0x%02X", ErrMalformedAPDU, a.INS)
	}
	if a.CLA&0x0F == 0x0F {
		return fmt.Errorf("%w: reserved CLA 0x%02X", ErrMalformedAPDU, a.CLA)
	}
	if a.HasLc && len(a.Data) != a.Lc {
		return fmt.Errorf("%w: data length %d does not match Lc %d", ErrMalformedAPDU, len(a.Data), a.Lc)
	}
	if a.HasLc && (a.Lc < 1 || a.Lc > 65535) {
		return fmt.Errorf("%w: Lc %d out of range", ErrMalformedAPDU, a.Lc)
	}
	if a.HasLe && (a.Le < 1 || a.Le > 65536) {
		return fmt.Errorf("%w: Le %d out of range", ErrMalformedAPDU, a.Le)
	}
	return nil
}
