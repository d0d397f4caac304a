// Package nifti reads and writes NIfTI-1 neuroimaging files and
// converts them to and from the in-memory volume representation used
// by the processing packages.
//
// Header layout follows the official definition at
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"neuroprep/internal/models"
)

// NIfTI-1 datatype codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
)

const (
	headerSize    = 348
	singleFileVox = 352 // header + 4 extension bytes
)

// Header defines the binary structure of the 348-byte NIfTI-1 header.
//
// Type translation from the C header to Go:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  byte
type Header struct {
	SizeOfHdr    int32    // Must be 348
	DataTypeName [10]byte // Unused
	DBName       [18]byte // Unused
	Extents      int32    // Unused
	SessionError int16    // Unused
	Regular      byte     // Unused
	DimInfo      byte     // MRI slice ordering

	Dim        [8]int16   // Data array dimensions
	IntentP1   float32    // 1st intent parameter
	IntentP2   float32    // 2nd intent parameter
	IntentP3   float32    // 3rd intent parameter
	IntentCode int16      // NIFTI_INTENT_* code
	DataType   int16      // Defines data type
	BitPix     int16      // Number of bits per voxel
	SliceStart int16      // First slice index
	PixDim     [8]float32 // Grid spacing
	VoxOffset  float32    // Offset into .nii file
	SclSlope   float32    // Data scaling: slope
	SclInter   float32    // Data scaling: offset
	SliceEnd   int16      // Last slice index
	SliceCode  byte       // Slice timing order
	XYZTUnits  byte       // Units of pixdim[1..4]
	CalMax     float32    // Max display intensity
	CalMin     float32    // Min display intensity
	SliceDur   float32    // Time for one slice
	TOffset    float32    // Time axis shift
	Glmax      int32      // Unused
	Glmin      int32      // Unused

	Descrip [80]byte // Any text
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b param
	QuaternC float32 // Quaternion c param
	QuaternD float32 // Quaternion d param
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row of affine transform
	SRowY [4]float32 // 2nd row of affine transform
	SRowZ [4]float32 // 3rd row of affine transform

	IntentName [16]byte // Meaning of data

	Magic [4]byte // Must be "n+1\0" or "ni1\0"
}

// Image is a NIfTI file loaded into memory: the parsed header plus
// the voxel data decoded to float64 with scl_slope/scl_inter applied.
// It is the alternate in-memory representation accepted by the CSF
// routines; Volume() converts it to the native one.
type Image struct {
	Header    Header
	ByteOrder binary.ByteOrder
	Data      []float64
}

// ReadHeader parses a NIfTI-1 header from raw bytes, inferring the
// byte order from dim[0], which must be in [1, 7].
func ReadHeader(b []byte) (Header, binary.ByteOrder, error) {
	if len(b) < headerSize {
		return Header{}, nil, fmt.Errorf("file too short for NIfTI-1 header: %d bytes", len(b))
	}

	var h Header
	var order binary.ByteOrder = binary.LittleEndian

	if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
		return Header{}, nil, fmt.Errorf("failed to decode header: %v", err)
	}

	// dim[0] outside [1, 7] means the file was written on a
	// big-endian machine
	if h.Dim[0] <= 0 || h.Dim[0] > 7 {
		h = Header{}
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
			return Header{}, nil, fmt.Errorf("failed to decode header: %v", err)
		}
	}

	if err := validateHeader(h); err != nil {
		return Header{}, nil, err
	}

	return h, order, nil
}

func validateHeader(h Header) error {
	if h.Dim[0] <= 0 || h.Dim[0] > 7 {
		return fmt.Errorf("cannot infer byte order: dim[0]=%d not in [1, 7]", h.Dim[0])
	}
	if h.SizeOfHdr != headerSize {
		return fmt.Errorf("invalid header size %d, expected %d", h.SizeOfHdr, headerSize)
	}
	magic := string(h.Magic[:3])
	if magic != "n+1" && magic != "ni1" {
		return fmt.Errorf("invalid magic %q, not a NIfTI-1 file", magic)
	}
	switch h.DataType {
	case DTUint8, DTInt16, DTInt32, DTFloat32, DTFloat64:
	default:
		return fmt.Errorf("unsupported datatype code %d", h.DataType)
	}
	return nil
}

// ReadFile loads a NIfTI-1 image from disk. Gzip-compressed files are
// detected by content, so both .nii and .nii.gz work regardless of
// extension.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream in %s: %v", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", path, err)
	}

	h, order, err := ReadHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	data, err := decodeVoxels(h, order, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	return &Image{Header: h, ByteOrder: order, Data: data}, nil
}

// decodeVoxels extracts the voxel block and converts it to float64,
// applying the scl_slope/scl_inter scaling from the header.
func decodeVoxels(h Header, order binary.ByteOrder, raw []byte) ([]float64, error) {
	offset := int(h.VoxOffset)
	if offset < headerSize {
		offset = singleFileVox
	}

	nvox := 1
	for d := 1; d <= int(h.Dim[0]) && d <= 3; d++ {
		if h.Dim[d] > 0 {
			nvox *= int(h.Dim[d])
		}
	}

	bytesPerVox := int(h.BitPix) / 8
	need := offset + nvox*bytesPerVox
	if len(raw) < need {
		return nil, fmt.Errorf("truncated voxel data: have %d bytes, need %d", len(raw), need)
	}

	slope := float64(h.SclSlope)
	inter := float64(h.SclInter)
	if slope == 0 {
		slope = 1
		inter = 0
	}

	buf := raw[offset:need]
	data := make([]float64, nvox)
	switch h.DataType {
	case DTUint8:
		for i := 0; i < nvox; i++ {
			data[i] = float64(buf[i])*slope + inter
		}
	case DTInt16:
		for i := 0; i < nvox; i++ {
			data[i] = float64(int16(order.Uint16(buf[2*i:])))*slope + inter
		}
	case DTInt32:
		for i := 0; i < nvox; i++ {
			data[i] = float64(int32(order.Uint32(buf[4*i:])))*slope + inter
		}
	case DTFloat32:
		for i := 0; i < nvox; i++ {
			data[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))*slope + inter
		}
	case DTFloat64:
		for i := 0; i < nvox; i++ {
			data[i] = math.Float64frombits(order.Uint64(buf[8*i:]))*slope + inter
		}
	default:
		return nil, fmt.Errorf("unsupported datatype code %d", h.DataType)
	}

	return data, nil
}

// Volume converts the image to the native volume representation.
// The sform affine is used when present, then the qform, then a
// diagonal affine built from pixdim.
func (img *Image) Volume() *models.Volume {
	h := img.Header

	nx := int(h.Dim[1])
	ny := int(h.Dim[2])
	nz := int(h.Dim[3])
	if nz == 0 {
		nz = 1
	}

	v := &models.Volume{
		Data: img.Data,
		Nx:   nx,
		Ny:   ny,
		Nz:   nz,
		VoxelSize: [3]float64{
			math.Abs(float64(h.PixDim[1])),
			math.Abs(float64(h.PixDim[2])),
			math.Abs(float64(h.PixDim[3])),
		},
	}
	for i := range v.VoxelSize {
		if v.VoxelSize[i] == 0 {
			v.VoxelSize[i] = 1
		}
	}

	switch {
	case h.SFormCode > 0:
		rows := [3][4]float32{h.SRowX, h.SRowY, h.SRowZ}
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				v.Affine[i][j] = float64(rows[i][j])
			}
		}
		v.Affine[3][3] = 1
	case h.QFormCode > 0:
		v.Affine = qformAffine(h)
	default:
		v.Affine = models.DefaultAffine(v.VoxelSize)
	}

	return v
}

// qformAffine reconstructs the rotation affine from the header's
// quaternion parameters, per the nifti1.h reference method.
func qformAffine(h Header) [4][4]float64 {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	a := 1.0 - b*b - c*c - d*d
	if a < 1e-7 {
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := float64(h.PixDim[0])
	if qfac == 0 {
		qfac = 1
	}

	dx := math.Abs(float64(h.PixDim[1]))
	dy := math.Abs(float64(h.PixDim[2]))
	dz := math.Abs(float64(h.PixDim[3])) * qfac
	if dx == 0 {
		dx = 1
	}
	if dy == 0 {
		dy = 1
	}
	if dz == 0 {
		dz = qfac
	}

	var m [4][4]float64
	m[0][0] = (a*a + b*b - c*c - d*d) * dx
	m[0][1] = (2*b*c - 2*a*d) * dy
	m[0][2] = (2*b*d + 2*a*c) * dz
	m[1][0] = (2*b*c + 2*a*d) * dx
	m[1][1] = (a*a + c*c - b*b - d*d) * dy
	m[1][2] = (2*c*d - 2*a*b) * dz
	m[2][0] = (2*b*d - 2*a*c) * dx
	m[2][1] = (2*c*d + 2*a*b) * dy
	m[2][2] = (a*a + d*d - c*c - b*b) * dz
	m[0][3] = float64(h.QOffsetX)
	m[1][3] = float64(h.QOffsetY)
	m[2][3] = float64(h.QOffsetZ)
	m[3][3] = 1
	return m
}

// FromVolume builds a NIfTI image around a volume, storing the affine
// as the sform. Data is kept as float64 and written as float32.
func FromVolume(v *models.Volume) *Image {
	var h Header
	h.SizeOfHdr = headerSize
	h.Dim[0] = 3
	h.Dim[1] = int16(v.Nx)
	h.Dim[2] = int16(v.Ny)
	h.Dim[3] = int16(v.Nz)
	for d := 4; d < 8; d++ {
		h.Dim[d] = 1
	}
	h.DataType = DTFloat32
	h.BitPix = 32
	h.PixDim[0] = 1
	h.PixDim[1] = float32(v.VoxelSize[0])
	h.PixDim[2] = float32(v.VoxelSize[1])
	h.PixDim[3] = float32(v.VoxelSize[2])
	h.VoxOffset = singleFileVox
	h.SclSlope = 1
	h.XYZTUnits = 2 // NIFTI_UNITS_MM
	h.SFormCode = 1 // NIFTI_XFORM_SCANNER_ANAT
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(v.Affine[0][j])
		h.SRowY[j] = float32(v.Affine[1][j])
		h.SRowZ[j] = float32(v.Affine[2][j])
	}
	copy(h.Magic[:], "n+1\x00")

	return &Image{Header: h, ByteOrder: binary.LittleEndian, Data: v.Data}
}

// WriteVolume writes a volume to disk as a single-file NIfTI-1 image
// with float32 voxels. A .gz suffix selects gzip compression.
func WriteVolume(path string, v *models.Volume) error {
	img := FromVolume(v)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(f)
		if err := encodeImage(gz, img); err != nil {
			gz.Close()
			return err
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream: %v", err)
		}
		return nil
	}

	return encodeImage(f, img)
}

// encodeImage writes the header, extension flags and voxel data in
// single-file NIfTI-1 layout. Voxels are stored as float32.
func encodeImage(w io.Writer, img *Image) error {
	if err := binary.Write(w, img.ByteOrder, &img.Header); err != nil {
		return fmt.Errorf("failed to write header: %v", err)
	}
	// Four zero bytes signal no header extensions
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write extension flags: %v", err)
	}

	voxels := make([]float32, len(img.Data))
	for i, val := range img.Data {
		voxels[i] = float32(val)
	}
	if err := binary.Write(w, img.ByteOrder, voxels); err != nil {
		return fmt.Errorf("failed to write voxel data: %v", err)
	}
	return nil
}

// ReadVolume loads a NIfTI file and converts it straight to the
// native volume representation.
func ReadVolume(path string) (*models.Volume, error) {
	img, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return img.Volume(), nil
}

// ListDir returns all NIfTI files (*.nii and *.nii.gz) in a directory,
// sorted lexicographically by path. Processing order throughout the
// pipelines is derived from this listing, so it must be deterministic.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %v", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// BaseName strips the directory and the .nii / .nii.gz extension from
// a NIfTI file path.
func BaseName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".nii")
	return base
}

// Pair matches images to masks by base filename. Every image must
// have exactly one mask with the same base name; a count mismatch or
// a missing mask is an error, not a silent positional zip.
func Pair(images, masks []string) ([][2]string, error) {
	if len(images) != len(masks) {
		return nil, fmt.Errorf("image/mask count mismatch: %d images, %d masks",
			len(images), len(masks))
	}

	byBase := make(map[string]string, len(masks))
	for _, m := range masks {
		byBase[BaseName(m)] = m
	}

	pairs := make([][2]string, 0, len(images))
	for _, img := range images {
		mask, ok := byBase[BaseName(img)]
		if !ok {
			return nil, fmt.Errorf("no mask found for image %s", filepath.Base(img))
		}
		pairs = append(pairs, [2]string{img, mask})
	}
	return pairs, nil
}
