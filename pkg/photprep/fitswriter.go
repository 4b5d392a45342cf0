package photprep

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// fitsCard is one 80-column header record. Value is already FITS-formatted.
type fitsCard struct {
	Key     string
	Value   string
	Comment string
}

func intCard(key string, v int, comment string) fitsCard {
	return fitsCard{Key: key, Value: fmt.Sprintf("%20d", v), Comment: comment}
}

func boolCard(key string, v bool, comment string) fitsCard {
	s := "F"
	if v {
		s = "T"
	}
	return fitsCard{Key: key, Value: fmt.Sprintf("%20s", s), Comment: comment}
}

func stringCard(key, v, comment string) fitsCard {
	v = strings.ReplaceAll(v, "'", "''")
	if len(v) < 8 {
		v += strings.Repeat(" ", 8-len(v))
	}
	return fitsCard{Key: key, Value: "'" + v + "'", Comment: comment}
}

func (c fitsCard) String() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-8s", c.Key))
	if c.Value != "" {
		b.WriteString("= ")
		b.WriteString(c.Value)
		if c.Comment != "" {
			b.WriteString(" / ")
			b.WriteString(c.Comment)
		}
	}
	s := b.String()
	if len(s) > fitsRecordSize {
		return s[:fitsRecordSize]
	}
	return s + strings.Repeat(" ", fitsRecordSize-len(s))
}

// writeFitsImage writes one float32 image HDU. The first HDU of a file must
// be written with primary set.
func writeFitsImage(w io.Writer, m Mat, primary bool, extra ...fitsCard) error {
	rows, cols := m.Rows(), m.Cols()
	var cards []fitsCard
	if primary {
		cards = append(cards, boolCard("SIMPLE", true, "conforms to FITS standard"))
	} else {
		cards = append(cards, stringCard("XTENSION", "IMAGE", "image extension"))
	}
	cards = append(cards,
		intCard("BITPIX", -32, "IEEE single precision"),
		intCard("NAXIS", 2, ""),
		intCard("NAXIS1", cols, ""),
		intCard("NAXIS2", rows, ""),
	)
	if primary {
		cards = append(cards, boolCard("EXTEND", true, ""))
	} else {
		cards = append(cards, intCard("PCOUNT", 0, ""), intCard("GCOUNT", 1, ""))
	}
	cards = append(cards, extra...)

	bw := bufio.NewWriter(w)
	headerLen := 0
	for _, c := range cards {
		n, err := bw.WriteString(c.String())
		if err != nil {
			return fmt.Errorf("writing FITS header: %w", err)
		}
		headerLen += n
	}
	n, err := bw.WriteString(fitsCard{Key: "END"}.String())
	if err != nil {
		return fmt.Errorf("writing FITS header: %w", err)
	}
	headerLen += n
	if _, err := bw.WriteString(strings.Repeat(" ", int(padding(int64(headerLen))))); err != nil {
		return fmt.Errorf("padding FITS header: %w", err)
	}

	data := m.DataFloat32()
	buf := make([]byte, 4)
	for i := 0; i < rows*cols; i++ {
		binary.BigEndian.PutUint32(buf, math.Float32bits(data[i]))
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("writing FITS pixel data: %w", err)
		}
	}
	if _, err := bw.Write(make([]byte, padding(int64(rows*cols*4)))); err != nil {
		return fmt.Errorf("padding FITS pixel data: %w", err)
	}
	return bw.Flush()
}
