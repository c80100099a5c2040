package message

import (
	"bytes"
	"fmt"
	"io"

	"github.com/mjl-/moxmime/stream"
)

// DataWrapper is the content of a leaf part: raw bytes in a transfer
// encoding.
type DataWrapper struct {
	Data     []byte
	Encoding Encoding // Encoding Data is stored in.
}

// Reader returns a reader for the decoded data.
func (d *DataWrapper) Reader() io.Reader {
	dec := d.Encoding.Decoder()
	if dec == nil {
		return bytes.NewReader(d.Data)
	}
	fs := stream.NewFilter(stream.NewMem(d.Data))
	fs.Add(dec)
	return fs
}

// DecodeTo writes the decoded data to w.
func (d *DataWrapper) DecodeTo(w io.Writer) error {
	_, err := io.Copy(w, d.Reader())
	return err
}

// Decoded returns the decoded data.
func (d *DataWrapper) Decoded() ([]byte, error) {
	return io.ReadAll(d.Reader())
}

// Encode writes the data in encoding enc, re-encoding if it is stored in
// another encoding. For uuencode, uuname is the filename for the "begin" line.
func (d *DataWrapper) Encode(w io.Writer, enc Encoding, uuname string) error {
	if enc == d.Encoding || enc.Identity() && d.Encoding.Identity() {
		_, err := w.Write(d.Data)
		return err
	}
	if enc == EncodingUUEncode {
		if uuname == "" {
			uuname = "noname"
		}
		if _, err := fmt.Fprintf(w, "begin 644 %s\n", uuname); err != nil {
			return err
		}
	}
	fs := stream.NewFilter(stream.NewWriter(w))
	if f := d.Encoding.Decoder(); f != nil {
		fs.Add(f)
	}
	if f := enc.Encoder(); f != nil {
		fs.Add(f)
	}
	if _, err := fs.Write(d.Data); err != nil {
		return err
	}
	return fs.Flush()
}

func (d *DataWrapper) writeContent(w io.Writer, p *Part) error {
	var name string
	if p.encoding == EncodingUUEncode {
		_, name, _ = p.DispositionFilename()
	}
	return d.Encode(w, p.encoding, name)
}
