package file

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// Accessors and builders for the Frame table in frame.fbs.

const frameFileIdentifier = "FSHR"

const (
	fbFieldType = iota
	fbFieldTransferSeq
	fbFieldFilename
	fbFieldFiletype
	fbFieldFilesize
	fbFieldTotalChunks
	fbFieldChunkIndex
	fbFieldData
	fbFieldCount
)

type fbFrame struct {
	_tab flatbuffers.Table
}

func getRootAsFbFrame(buf []byte, offset flatbuffers.UOffsetT) *fbFrame {
	x := &fbFrame{}
	flatbuffers.GetRootAs(buf, offset, x)
	return x
}

func (rcv *fbFrame) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *fbFrame) Table() flatbuffers.Table {
	return rcv._tab
}

func fbSlot(field int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*field)
}

func (rcv *fbFrame) Type() byte {
	if o := flatbuffers.UOffsetT(rcv._tab.Offset(fbSlot(fbFieldType))); o != 0 {
		return rcv._tab.GetByte(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *fbFrame) TransferSeq() uint64 {
	if o := flatbuffers.UOffsetT(rcv._tab.Offset(fbSlot(fbFieldTransferSeq))); o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *fbFrame) Filename() []byte {
	if o := flatbuffers.UOffsetT(rcv._tab.Offset(fbSlot(fbFieldFilename))); o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func (rcv *fbFrame) Filetype() []byte {
	if o := flatbuffers.UOffsetT(rcv._tab.Offset(fbSlot(fbFieldFiletype))); o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func (rcv *fbFrame) Filesize() uint64 {
	if o := flatbuffers.UOffsetT(rcv._tab.Offset(fbSlot(fbFieldFilesize))); o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *fbFrame) TotalChunks() uint32 {
	if o := flatbuffers.UOffsetT(rcv._tab.Offset(fbSlot(fbFieldTotalChunks))); o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *fbFrame) ChunkIndex() uint32 {
	if o := flatbuffers.UOffsetT(rcv._tab.Offset(fbSlot(fbFieldChunkIndex))); o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *fbFrame) Data() []byte {
	if o := flatbuffers.UOffsetT(rcv._tab.Offset(fbSlot(fbFieldData))); o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func fbFrameStart(builder *flatbuffers.Builder) {
	builder.StartObject(fbFieldCount)
}

func fbFrameAddType(builder *flatbuffers.Builder, t byte) {
	builder.PrependByteSlot(fbFieldType, t, 0)
}

func fbFrameAddTransferSeq(builder *flatbuffers.Builder, seq uint64) {
	builder.PrependUint64Slot(fbFieldTransferSeq, seq, 0)
}

func fbFrameAddFilename(builder *flatbuffers.Builder, off flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(fbFieldFilename, off, 0)
}

func fbFrameAddFiletype(builder *flatbuffers.Builder, off flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(fbFieldFiletype, off, 0)
}

func fbFrameAddFilesize(builder *flatbuffers.Builder, size uint64) {
	builder.PrependUint64Slot(fbFieldFilesize, size, 0)
}

func fbFrameAddTotalChunks(builder *flatbuffers.Builder, n uint32) {
	builder.PrependUint32Slot(fbFieldTotalChunks, n, 0)
}

func fbFrameAddChunkIndex(builder *flatbuffers.Builder, i uint32) {
	builder.PrependUint32Slot(fbFieldChunkIndex, i, 0)
}

func fbFrameAddData(builder *flatbuffers.Builder, off flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(fbFieldData, off, 0)
}

func fbFrameEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}
