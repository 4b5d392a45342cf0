package photprep

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

const (
	fitsBlockSize  = 2880
	fitsRecordSize = 80

	// maxFitsDataBytes bounds the data size a header may declare.
	maxFitsDataBytes = 1 << 34
)

// FitsMetadata holds parsed FITS header key-value pairs.
type FitsMetadata struct {
	Headers map[string]string
}

// NewFitsMetadata creates an empty FitsMetadata.
func NewFitsMetadata() *FitsMetadata {
	return &FitsMetadata{Headers: make(map[string]string)}
}

func (m *FitsMetadata) GetString(key string) string {
	if v, ok := m.Headers[strings.ToUpper(key)]; ok {
		return v
	}
	return ""
}

func (m *FitsMetadata) GetDouble(key string) (float64, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (m *FitsMetadata) GetInt(key string) (int, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}

func (m *FitsMetadata) ExtName() string { return m.GetString("EXTNAME") }

// FitsImageData holds one parsed FITS HDU.
type FitsImageData struct {
	// Pixels are physical values (BSCALE and BZERO applied), row-major, NAXIS1 fastest.
	Pixels   []float64
	Width    int
	Height   int
	Bitpix   int
	Metadata *FitsMetadata
}

// ReadFits returns the first HDU of the file that carries image data.
func ReadFits(filePath string) (*FitsImageData, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return readFirstImage(newFitsStream(bufio.NewReader(f), fileSize(f)))
}

// ReadFitsFromBytes reads the first data-bearing HDU from a byte slice.
func ReadFitsFromBytes(data []byte) (*FitsImageData, error) {
	return readFirstImage(newFitsStream(bytes.NewReader(data), int64(len(data))))
}

// ReadFitsFromReader skips header-only HDUs and returns the first image.
func ReadFitsFromReader(r io.Reader) (*FitsImageData, error) {
	return readFirstImage(newFitsStream(r, -1))
}

func readFirstImage(r *fitsStream) (*FitsImageData, error) {
	for {
		hdu, err := readHDU(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("reading FITS: no HDU with image data")
			}
			return nil, err
		}
		if hdu.Pixels != nil {
			return hdu, nil
		}
	}
}

// ReadFitsAll returns every HDU that carries image data, in file order.
func ReadFitsAll(filePath string) ([]*FitsImageData, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()

	r := newFitsStream(bufio.NewReader(f), fileSize(f))
	var hdus []*FitsImageData
	for {
		hdu, err := readHDU(r)
		if errors.Is(err, io.EOF) {
			return hdus, nil
		}
		if err != nil {
			return nil, err
		}
		if hdu.Pixels != nil {
			hdus = append(hdus, hdu)
		}
	}
}

// ReadImage loads the science-style image at filePath as a float32 Mat.
// A value float32 cannot hold, finite but too large or non-zero but rounding
// to zero, is invalid input and the pixel is named in the error.
func ReadImage(filePath string) (Mat, error) {
	data, err := ReadFits(filePath)
	if err != nil {
		return Mat{}, ioError("reading image "+filePath, err)
	}
	if i, ok := firstUnrepresentable(data.Pixels); ok {
		return Mat{}, invalidf("reading image "+filePath, "value %g at (x=%d, y=%d) does not fit in float32",
			data.Pixels[i], i%data.Width, i/data.Width)
	}
	return MatFromFloat64(data.Pixels, data.Width, data.Height), nil
}

// ReadFlags loads an integer data-quality map. Every value must be an
// integer within int32 range.
func ReadFlags(filePath string) (FlagMap, error) {
	data, err := ReadFits(filePath)
	if err != nil {
		return FlagMap{}, ioError("reading flags "+filePath, err)
	}
	flags := NewFlagMap(data.Height, data.Width)
	for i, v := range data.Pixels {
		// NaN fails the first comparison
		if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
			return FlagMap{}, ioError("reading flags "+filePath,
				fmt.Errorf("flag value %g at (x=%d, y=%d) is not a 32-bit integer", v, i%data.Width, i/data.Width))
		}
		flags.Data[i] = int32(v)
	}
	return flags, nil
}

// firstUnrepresentable returns the index of the first value that changes
// class when narrowed to float32. NaN and infinities pass through.
func firstUnrepresentable(pixels []float64) (int, bool) {
	for i, v := range pixels {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if math.Abs(v) > math.MaxFloat32 {
			return i, true
		}
		if v != 0 && float32(v) == 0 {
			return i, true
		}
	}
	return 0, false
}

// fitsStream tracks how many bytes are left when the source length is known.
type fitsStream struct {
	r    io.Reader
	left int64 // -1 when unknown
}

func newFitsStream(r io.Reader, size int64) *fitsStream {
	return &fitsStream{r: r, left: size}
}

func (s *fitsStream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if s.left >= 0 {
		s.left = max(s.left-int64(n), 0)
	}
	return n, err
}

func fileSize(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return -1
	}
	return info.Size()
}

// dataSize multiplies the header's size factors, failing once the product
// passes maxFitsDataBytes.
func dataSize(factors ...int64) (int64, error) {
	n := int64(1)
	for _, f := range factors {
		if f < 0 {
			return 0, fmt.Errorf("reading FITS header: negative size factor %d", f)
		}
		if f != 0 && n > maxFitsDataBytes/f {
			return 0, fmt.Errorf("reading FITS header: declared data exceeds %d bytes", int64(maxFitsDataBytes))
		}
		n *= f
	}
	return n, nil
}

// readHDU reads one header and its data block. Pixels is nil when the HDU has
// no data. io.EOF is returned only when the stream ends before a new header.
func readHDU(r *fitsStream) (*FitsImageData, error) {
	var bitpix, naxis int
	axes := make(map[int]int)
	bzero := 0.0
	bscale := 1.0
	pcount, gcount := 0, 1
	headerDone := false
	metadata := NewFitsMetadata()

	recordBuf := make([]byte, fitsRecordSize)
	first := true

	for !headerDone {
		for i := 0; i < fitsBlockSize/fitsRecordSize; i++ {
			_, err := io.ReadFull(r, recordBuf)
			if err != nil {
				if first && errors.Is(err, io.EOF) {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("reading FITS header record: %w", err)
			}
			first = false
			record := string(recordBuf)
			keyword := strings.TrimSpace(record[:8])

			if keyword == "END" {
				headerDone = true
				remaining := fitsBlockSize/fitsRecordSize - 1 - i
				if remaining > 0 {
					if _, err := io.CopyN(io.Discard, r, int64(remaining*fitsRecordSize)); err != nil {
						return nil, fmt.Errorf("skipping FITS header padding: %w", err)
					}
				}
				break
			}

			if len(record) > 10 && record[8] == '=' && record[9] == ' ' {
				rawValue := strings.TrimSpace(strings.SplitN(record[10:], "/", 2)[0])
				parsedValue := parseFitsValue(rawValue)

				if keyword != "" && parsedValue != "" {
					metadata.Headers[strings.ToUpper(keyword)] = parsedValue
				}

				value := strings.TrimSpace(rawValue)
				switch {
				case keyword == "BITPIX":
					bitpix, _ = strconv.Atoi(value)
				case keyword == "NAXIS":
					naxis, _ = strconv.Atoi(value)
				case strings.HasPrefix(keyword, "NAXIS"):
					if n, err := strconv.Atoi(keyword[5:]); err == nil {
						axes[n], _ = strconv.Atoi(value)
					}
				case keyword == "BZERO":
					bzero, _ = strconv.ParseFloat(value, 64)
				case keyword == "BSCALE":
					bscale, _ = strconv.ParseFloat(value, 64)
				case keyword == "PCOUNT":
					pcount, _ = strconv.Atoi(value)
				case keyword == "GCOUNT":
					gcount, _ = strconv.Atoi(value)
				}
			}
		}
	}

	bytesPerPixel := bitpixBytes(bitpix)
	if bytesPerPixel == 0 {
		return nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
	}

	if naxis < 0 || naxis > 999 {
		return nil, fmt.Errorf("reading FITS header: NAXIS %d out of range", naxis)
	}
	hdu := &FitsImageData{Bitpix: bitpix, Metadata: metadata}
	if naxis == 0 {
		return hdu, nil
	}

	dims := make([]int64, naxis)
	for i := range dims {
		if axes[i+1] < 0 {
			return nil, fmt.Errorf("reading FITS header: NAXIS%d is %d", i+1, axes[i+1])
		}
		dims[i] = int64(axes[i+1])
	}
	numElements64, err := dataSize(dims...)
	if err != nil {
		return nil, err
	}
	if pcount < 0 || gcount < 0 || int64(pcount) > maxFitsDataBytes {
		return nil, fmt.Errorf("reading FITS header: PCOUNT %d, GCOUNT %d", pcount, gcount)
	}
	dataBytes, err := dataSize(int64(bytesPerPixel), int64(gcount), int64(pcount)+numElements64)
	if err != nil {
		return nil, err
	}
	numElements := int(numElements64)

	isImage := naxis >= 2 && axes[1] > 0 && axes[2] > 0 && numElements64 == int64(axes[1])*int64(axes[2]) && pcount == 0
	if !isImage {
		// tables, cubes and random groups are skipped
		if err := skipData(r, dataBytes); err != nil {
			return nil, err
		}
		return hdu, nil
	}

	hdu.Width, hdu.Height = axes[1], axes[2]
	pixelBytes := numElements64 * int64(bytesPerPixel)
	if r.left >= 0 && pixelBytes > r.left {
		return nil, fmt.Errorf("reading FITS header: %d bytes of pixel data declared, %d left", pixelBytes, r.left)
	}
	rawBytes, err := readPixelBytes(r, pixelBytes)
	if err != nil {
		return nil, fmt.Errorf("reading %d-bit pixel data: %w", bitpix, err)
	}
	hdu.Pixels = decodePixels(rawBytes, bitpix, numElements, bscale, bzero)

	if err := skipData(r, padding(dataBytes)); err != nil {
		return nil, err
	}
	return hdu, nil
}

// readPixelBytes allocates up front only when the stream length vouches for
// n; otherwise the buffer grows with the bytes actually read.
func readPixelBytes(r *fitsStream, n int64) ([]byte, error) {
	if r.left >= 0 {
		buf := make([]byte, n)
		_, err := io.ReadFull(r, buf)
		return buf, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(io.LimitReader(r, n)); err != nil {
		return nil, err
	}
	if int64(buf.Len()) < n {
		return nil, io.ErrUnexpectedEOF
	}
	return buf.Bytes(), nil
}

func skipData(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("skipping FITS data: %w", err)
	}
	return nil
}

func padding(n int64) int64 {
	if rem := n % fitsBlockSize; rem != 0 {
		return fitsBlockSize - rem
	}
	return 0
}

func bitpixBytes(bitpix int) int {
	switch bitpix {
	case 8:
		return 1
	case 16:
		return 2
	case 32, -32:
		return 4
	case 64, -64:
		return 8
	default:
		return 0
	}
}

func decodePixels(rawBytes []byte, bitpix, numPixels int, bscale, bzero float64) []float64 {
	pixels := make([]float64, numPixels)
	for i := 0; i < numPixels; i++ {
		var v float64
		switch bitpix {
		case 8:
			v = float64(rawBytes[i])
		case 16:
			v = float64(int16(binary.BigEndian.Uint16(rawBytes[i*2:])))
		case 32:
			v = float64(int32(binary.BigEndian.Uint32(rawBytes[i*4:])))
		case 64:
			v = float64(int64(binary.BigEndian.Uint64(rawBytes[i*8:])))
		case -32:
			v = float64(math.Float32frombits(binary.BigEndian.Uint32(rawBytes[i*4:])))
		case -64:
			v = math.Float64frombits(binary.BigEndian.Uint64(rawBytes[i*8:]))
		}
		pixels[i] = v*bscale + bzero
	}
	return pixels
}

func parseFitsValue(rawValue string) string {
	if rawValue == "" {
		return ""
	}
	if rawValue == "T" {
		return "True"
	}
	if rawValue == "F" {
		return "False"
	}
	if strings.HasPrefix(rawValue, "'") {
		endQuote := strings.LastIndex(rawValue, "'")
		if endQuote > 0 {
			return strings.TrimRight(rawValue[1:endQuote], " ")
		}
		return strings.TrimLeft(strings.TrimRight(rawValue, " "), "'")
	}
	return rawValue
}
