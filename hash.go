package epochmap

import (
	"math/bits"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

type hashFunc func(unsafe.Pointer, uintptr) uintptr

// defaultHasher selects a hash function for the key type K.
//
// String keys hash through xxhash, which is both faster than the runtime's
// string hash for short keys and trivially seedable. Integer keys use their
// value directly; spread() in the index calculation takes care of clustered
// low bits. Everything else falls back to the runtime's built-in hasher
// obtained via reflection on the map type.
func defaultHasher[K comparable]() hashFunc {
	switch any(*new(K)).(type) {
	case string:
		return func(value unsafe.Pointer, seed uintptr) uintptr {
			return uintptr(xxhash.Sum64String(*(*string)(value)) ^ uint64(seed))
		}

	case uint, int, uintptr:
		return func(value unsafe.Pointer, seed uintptr) uintptr {
			return *(*uintptr)(value) ^ seed
		}

	case uint64, int64:
		if bits.UintSize == 32 {
			return func(value unsafe.Pointer, seed uintptr) uintptr {
				v := *(*uint64)(value)
				return (uintptr(v) ^ uintptr(v>>32)) ^ seed
			}
		}
		return func(value unsafe.Pointer, seed uintptr) uintptr {
			return uintptr(*(*uint64)(value)) ^ seed
		}

	case uint32, int32:
		return func(value unsafe.Pointer, seed uintptr) uintptr {
			return uintptr(*(*uint32)(value)) ^ seed
		}

	case uint16, int16:
		return func(value unsafe.Pointer, seed uintptr) uintptr {
			return uintptr(*(*uint16)(value)) ^ seed
		}

	case uint8, int8:
		return func(value unsafe.Pointer, seed uintptr) uintptr {
			return uintptr(*(*uint8)(value)) ^ seed
		}

	default:
		return defaultHasherUsingBuiltIn[K]()
	}
}

// defaultHasherUsingBuiltIn obtains Go's built-in hash function for the
// key type using the runtime's internal type representation.
//
// Notes:
//   - This implementation relies on Go's internal type layout
//   - It should be verified for compatibility with each Go version upgrade
func defaultHasherUsingBuiltIn[K comparable]() hashFunc {
	var m map[K]struct{}
	mapType := iTypeOf(m).MapType()
	return mapType.Hasher
}

type iTFlag uint8
type iKind uint8
type iNameOff int32
type iTypeOff int32

type iType struct {
	Size_       uintptr
	PtrBytes    uintptr
	Hash        uint32
	TFlag       iTFlag
	Align_      uint8
	FieldAlign_ uint8
	Kind_       iKind
	Equal       func(unsafe.Pointer, unsafe.Pointer) bool
	GCData      *byte
	Str         iNameOff
	PtrToThis   iTypeOff
}

func (t *iType) MapType() *iMapType {
	return (*iMapType)(unsafe.Pointer(t))
}

type iMapType struct {
	iType
	Key   *iType
	Elem  *iType
	Group *iType
	// function for hashing keys (ptr to key, seed) -> hash
	Hasher func(unsafe.Pointer, uintptr) uintptr
}

func iTypeOf(a any) *iType {
	eface := *(*iEmptyInterface)(unsafe.Pointer(&a))
	// Types are either static or heap-allocated but always reachable, so
	// noescape avoids an unnecessary escape of a.
	return (*iType)(noescape(unsafe.Pointer(eface.Type)))
}

type iEmptyInterface struct {
	Type *iType
	Data unsafe.Pointer
}
