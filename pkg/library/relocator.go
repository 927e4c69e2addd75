package library

import (
	"encoding/binary"
	"fmt"
)

// PilInfoSize is the size of the loader metadata block handed to the DSP
const PilInfoSize = 64

// Relocator prepares a library image to run from code, which the DSP sees
// at codeAddr, and fills the loader metadata block pil.
type Relocator interface {
	Relocate(name string, image, code []byte, codeAddr uint32, pil []byte) error
}

// CopyRelocator places position independent images as is. The metadata
// block starts with the code address and the image size.
type CopyRelocator struct{}

// Relocate implements Relocator
func (CopyRelocator) Relocate(name string, image, code []byte, codeAddr uint32, pil []byte) error {
	if len(image) > len(code) {
		return fmt.Errorf("library %s: image of %d bytes does not fit %d", name, len(image), len(code))
	}
	if len(pil) < 8 {
		return fmt.Errorf("library %s: metadata block too small", name)
	}
	copy(code, image)
	binary.LittleEndian.PutUint32(pil[0:], codeAddr)
	binary.LittleEndian.PutUint32(pil[4:], uint32(len(image)))
	return nil
}
