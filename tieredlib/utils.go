package tieredlib

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"strings"
)

func Def[T comparable](v T, alt T) T {
	var ref T
	if v == ref {
		return alt
	} else {
		return v
	}
}

type AbsPath string

func MakeAbsPath(relOrAbs string) AbsPath {
	p, err := filepath.Abs(relOrAbs)
	if err != nil {
		panic(err)
	}
	return AbsPath(p)
}

func (p AbsPath) String() string {
	return string(p)
}

func (p AbsPath) Raw() string {
	return string(p)
}

func (p AbsPath) Parent() AbsPath {
	return AbsPath(filepath.Dir(p.Raw()))
}

func (p AbsPath) Filename() string {
	return filepath.Base(string(p))
}

func (p AbsPath) Join(rel string) AbsPath {
	if filepath.IsAbs(rel) {
		panic("join path abs: " + rel)
	}
	return AbsPath(filepath.Clean(filepath.Join(string(p), rel)))
}

// Resolve is Join, except absolute paths are returned as is
func (p AbsPath) Resolve(relOrAbs string) AbsPath {
	if filepath.IsAbs(relOrAbs) {
		return AbsPath(filepath.Clean(relOrAbs))
	}
	return p.Join(relOrAbs)
}

func (p AbsPath) Exists() bool {
	_, err := os.Stat(p.Raw())
	return !os.IsNotExist(err)
}

// imagePath resolves dest against the image working directory and returns it
// in tar form: slash separated, no leading slash.
func imagePath(workdir string, dest string) string {
	var p string
	if path.IsAbs(dest) {
		p = path.Clean(dest)
	} else {
		p = path.Clean(path.Join("/", workdir, dest))
	}
	return strings.TrimPrefix(p, "/")
}

func canonicalJsonMarshal(sym any) []byte {
	ser, err := json.Marshal(sym)
	if err != nil {
		panic(err)
	}
	// Work around go not supporting ordered serialization for random data types by
	// deserializing once to simple types which will be ordered when re-serialized.
	sym = nil
	err = json.Unmarshal(ser, &sym)
	if err != nil {
		panic(err)
	}
	ser, err = json.Marshal(sym)
	if err != nil {
		panic(err)
	}
	return ser
}
