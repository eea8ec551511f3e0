package tracking

// Mode reports which channels are active.
type Mode string

const (
	ModeNone Mode = "none"
	ModeHTTP Mode = "http"
	ModeFile Mode = "file"
	ModeBoth Mode = "both"
)

// ModeFor derives the mode from which settings are present.
func ModeFor(httpEnabled bool, fileDir string) Mode {
	switch {
	case httpEnabled && fileDir != "":
		return ModeBoth
	case httpEnabled:
		return ModeHTTP
	case fileDir != "":
		return ModeFile
	}
	return ModeNone
}

// HTTP reports whether the HTTP channel is part of m.
func (m Mode) HTTP() bool { return m == ModeHTTP || m == ModeBoth }

// File reports whether the file channel is part of m.
func (m Mode) File() bool { return m == ModeFile || m == ModeBoth }
