// Package ustr implements an immutable byte string bounded at construction
// time, used for the bytes CPUTS copies out of a process's address space
// before handing them to the console sink. Grounded on ustr/ustr.go;
// path-specific helpers (Isdot, Extend, IsAbsolute) are dropped since this
// core has no file-cache collaborator to name paths for, and MkUstrBound is
// added for CPUTS's truncate-at-N behavior.
package ustr

// Ustr is an immutable byte string.
type Ustr []uint8

// Eq compares two Ustr values for equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// MkUstr creates an empty Ustr value.
func MkUstr() Ustr {
	return Ustr{}
}

// MkUstrSlice converts a NUL-terminated byte slice to a Ustr, stopping at
// the first NUL byte the way a C string would.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

// MkUstrBound copies buf into a new Ustr truncated to at most max bytes.
// CPUTS uses this to enforce its configured console-line bound; truncation
// is defined behavior, not an error.
func MkUstrBound(buf []uint8, max int) Ustr {
	n := len(buf)
	if n > max {
		n = max
	}
	us := make(Ustr, n)
	copy(us, buf[:n])
	return us
}

// IndexByte returns the index of b in the string or -1 if not present.
func (us Ustr) IndexByte(b uint8) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

// String converts the Ustr to a Go string.
func (us Ustr) String() string {
	return string(us)
}
