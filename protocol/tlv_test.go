package protocol

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLVAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct2 := []byte{'a', 1, 'A', '2', 'B', 'B'}
	assert.Equal(t, correct2, buf, "basic TLV fail")

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, len(correct2)+1+4+len(c256), len(buf))
	assert.Equal(t, uint8('C'), buf[len(correct2)])
	assert.Equal(t, uint8(1), buf[len(correct2)+2])

	lit, body, buf, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, rest, err2 := TakeWary('B', buf)
	assert.Nil(t, err2)
	assert.Equal(t, []byte{'B', 'B'}, body2)

	body3, rest, err3 := TakeWary('C', rest)
	assert.Nil(t, err3)
	assert.Equal(t, 256, len(body3))
	assert.Empty(t, rest)
}

func TestStreamedHeader(t *testing.T) {
	l, buf := OpenHeader(nil, 'A')
	text := "some text"
	buf = append(buf, text...)
	CloseHeader(buf, l)
	lit, body, rest, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, text, string(body))
	assert.Equal(t, 0, len(rest))
}

func TestTinyRecord(t *testing.T) {
	tiny := TinyRecord('X', []byte("12"))
	assert.Equal(t, "212", string(tiny))
	body, rest := Take('X', tiny)
	assert.Equal(t, "12", string(body))
	assert.Empty(t, rest)
}

func TestTakeWaryGarbage(t *testing.T) {
	_, _, _, err := TakeAnyWary([]byte{'#', 1, 2})
	assert.ErrorIs(t, err, ErrBadRecord)

	_, _, err = TakeWary('D', []byte{'D', 10, 0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrIncomplete)

	_, _, err = TakeWary('D', Record('E', []byte("x")))
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestSplit(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Record('A', []byte("one")))
	buf.Write(Record('B', make([]byte, 300)))
	half := Record('C', []byte("three"))
	buf.Write(half[:3])

	recs, err := Split(&buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Len(t, recs, 2)
	assert.Equal(t, uint8('B'), Lit(recs[1]))
	assert.Equal(t, 3, buf.Len())

	buf.Write(half[3:])
	recs, err = Split(&buf)
	assert.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, 0, buf.Len())

	buf.Write([]byte{'!', '!'})
	_, err = Split(&buf)
	assert.ErrorIs(t, err, ErrBadRecord)
}

type sliceFeedDrainer struct {
	data []byte
}

func (fd *sliceFeedDrainer) Drain(ctx context.Context, recs Records) error {
	for _, rec := range recs {
		fd.data = append(fd.data, rec...)
	}
	return nil
}

func (fd *sliceFeedDrainer) Feed(ctx context.Context) (recs Records, err error) {
	for i := 0; i < 3 && len(fd.data) > 0; i++ {
		recs = append(recs, fd.data[0:1])
		fd.data = fd.data[1:]
	}
	if len(fd.data) == 0 {
		err = io.EOF
	}
	return
}

func TestPump(t *testing.T) {
	ctx := context.Background()
	sfd := sliceFeedDrainer{data: []byte("Hello world")}
	assert.NoError(t, Relay(ctx, &sfd, &sfd))
	assert.Equal(t, []byte("lo worldHel"), sfd.data)

	fro := sliceFeedDrainer{data: []byte("Hello world")}
	to := sliceFeedDrainer{}
	assert.Equal(t, io.EOF, Pump(ctx, &fro, &to))
	assert.Equal(t, []byte("Hello world"), to.data)
	assert.Empty(t, fro.data)
}
