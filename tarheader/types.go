package tarheader

// EntryType is the single-byte type code stored at offset 156 of a tar
// header block.
type EntryType byte

const (
	TypeFile                EntryType = '0'
	TypeHardLink            EntryType = '1'
	TypeSymbolicLink        EntryType = '2'
	TypeCharacterDevice     EntryType = '3'
	TypeBlockDevice         EntryType = '4'
	TypeDirectory           EntryType = '5'
	TypeFIFO                EntryType = '6'
	TypeContiguousFile      EntryType = '7'
	TypeGlobalExtended      EntryType = 'g'
	TypeExtended            EntryType = 'x'
	TypeGNUDumpDir          EntryType = 'D'
	TypeNextFileLongLink    EntryType = 'K'
	TypeNextFileLongPath    EntryType = 'L'
	TypeOldGNULongPath      EntryType = 'N'
	TypeOldFile             EntryType = 'M'
	TypeV7File              EntryType = 0 // pre-ustar encoders use NUL for regular files
)

var typeNames = map[EntryType]string{
	TypeFile:             "File",
	TypeHardLink:         "Link",
	TypeSymbolicLink:     "SymbolicLink",
	TypeCharacterDevice:  "CharacterDevice",
	TypeBlockDevice:      "BlockDevice",
	TypeDirectory:        "Directory",
	TypeFIFO:             "FIFO",
	TypeContiguousFile:   "ContiguousFile",
	TypeGlobalExtended:   "GlobalExtendedHeader",
	TypeExtended:         "ExtendedHeader",
	TypeGNUDumpDir:       "GNUDumpDir",
	TypeNextFileLongLink: "NextFileHasLongLinkpath",
	TypeNextFileLongPath: "NextFileHasLongPath",
	TypeOldGNULongPath:   "OldGnuLongPath",
	TypeOldFile:          "OldFile",
	TypeV7File:           "File",
}

var typeCodes = func() map[string]EntryType {
	m := make(map[string]EntryType, len(typeNames))
	for c, n := range typeNames {
		if c == TypeV7File {
			continue // '0' wins for "File"
		}
		m[n] = c
	}
	return m
}()

// String returns the human-readable name of the type code, or "Unknown"
// for codes outside the table.
func (t EntryType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "Unknown"
}

// TypeForName returns the type code registered for a name.
func TypeForName(name string) (EntryType, bool) {
	t, ok := typeCodes[name]
	return t, ok
}

// Known reports whether the code is in the type table.
func (t EntryType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// normalize folds the pre-ustar NUL type code into '0'.
func (t EntryType) normalize() EntryType {
	if t == TypeV7File {
		return TypeFile
	}
	return t
}

// IsMeta reports whether entries of this type describe the next entry
// rather than a filesystem object.
func (t EntryType) IsMeta() bool {
	switch t {
	case TypeExtended, TypeGlobalExtended, TypeNextFileLongLink, TypeNextFileLongPath, TypeOldGNULongPath:
		return true
	}
	return false
}
