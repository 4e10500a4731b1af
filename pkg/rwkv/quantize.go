package rwkv

import (
	"io"
	"os"
	"unsafe"

	"github.com/samcharles93/rwkv/internal/tensor"
	"github.com/samcharles93/rwkv/pkg/rwkvfile"
)

// QuantizeModelFile rewrites a float model file into outputPath with all
// large 2-D parameters block-quantized to the named target type. The
// source must hold f32 or f16 data. emb.weight and head.weight keep
// their source precision: losing accuracy at the input and output
// boundary of the network costs far more quality than it saves in bytes.
func QuantizeModelFile(inputPath, outputPath, targetName string) error {
	clearGlobalError()

	target := rwkvfile.TypeFromName(targetName)
	if target == rwkvfile.TypeUnknown {
		return globalFail(ErrArgs|ErrDataType, "invalid target data type (%s)", targetName)
	}
	if !target.Supported() {
		return globalFail(ErrArgs|ErrDataType, "unsupported target data type (%s)", target)
	}

	msg("Loading model from '%s'\n", inputPath)

	input, err := os.Open(inputPath)
	if err != nil {
		return globalFail(ErrFile|ErrFileOpen, "failed to open %s for reading: %v", inputPath, err)
	}
	defer input.Close()

	stat, err := input.Stat()
	if err != nil {
		return globalFail(ErrFile|ErrFileStat, "failed to stat file %s: %v", inputPath, err)
	}
	fileSize := stat.Size()

	output, err := os.Create(outputPath)
	if err != nil {
		return globalFail(ErrFile|ErrFileOpen, "failed to open %s for writing: %v", outputPath, err)
	}
	defer output.Close()

	// Data-type verification is suppressed here: the whole point of a
	// rewrite is to accept files whose stored format can no longer be
	// evaluated directly.
	header, err := rwkvfile.ReadHeader(input, false)
	if err != nil {
		return globalFail(headerErrorFlags(err), "invalid file header: %v", err)
	}
	source := rwkvfile.Type(header.DataType)
	if source != rwkvfile.TypeF32 && source != rwkvfile.TypeF16 {
		return globalFail(ErrFile|ErrDataType, "unsupported source data type (%s); needs to be f32 or f16", source)
	}

	header.Version = rwkvfile.CurrentVersion
	header.DataType = uint32(target)
	if err := rwkvfile.WriteHeader(output, header); err != nil {
		return globalFail(ErrFile|ErrFileWrite, "failed to write file header: %v", err)
	}

	var origTotalSize, newTotalSize int64
	var histAll [16]int64

	// Two buffers ping-pong between reads, f16 widening, and quantize
	// destinations, so the pass retains no more than the two largest
	// payloads regardless of tensor count.
	var container, scratch []byte

	offset, err := input.Seek(0, io.SeekCurrent)
	if err != nil {
		return globalFail(ErrFile|ErrFileRead, "failed to seek in file: %v", err)
	}
	for offset < fileSize {
		th, err := rwkvfile.ReadTensorHeader(input)
		if err != nil {
			return globalFail(ErrModelParams|headerErrorFlags(err), "invalid tensor header: %v", err)
		}
		key, err := rwkvfile.ReadTensorKey(input, &th)
		if err != nil {
			return globalFail(ErrModelParams|ErrKey, "failed to read tensor key: %v", err)
		}

		origSize := th.PayloadBytes()
		container = growTo(container, origSize)
		if err := rwkvfile.ReadTensorPayload(input, container[:origSize]); err != nil {
			return globalFail(ErrModelParams|ErrData, "failed to read tensor data of %s: %v", key, err)
		}

		msg("%48s - [%5d, %5d], type = %6s ", key, th.Width, th.Height, rwkvfile.Type(th.DataType))

		origType := rwkvfile.Type(th.DataType)
		newSize := origSize

		if (origType == rwkvfile.TypeF32 || origType == rwkvfile.TypeF16) &&
			th.DimCount == 2 && key != "emb.weight" && key != "head.weight" {
			msg("quantizing... ")

			nElements := int(th.Width) * int(th.Height)

			if origType == rwkvfile.TypeF16 {
				th.DataType = uint32(rwkvfile.TypeF32)
				newSize = th.PayloadBytes()
				scratch = growTo(scratch, newSize)
				tensor.Fp16ToF32Row(f32View(scratch[:newSize]), container[:origSize])
				container, scratch = scratch, container
			}

			th.DataType = uint32(target)
			newSize = th.PayloadBytes()
			scratch = growTo(scratch, newSize)

			var histCur [16]int64
			if _, err := tensor.QuantizeChunk(
				target.Tensor(), f32View(container[:4*int64(nElements)]), scratch[:newSize],
				0, nElements, histCur[:],
			); err != nil {
				return globalFail(ErrModelParams|ErrData, "failed to quantize tensor %s: %v", key, err)
			}
			container, scratch = scratch, container

			origTotalSize += origSize
			newTotalSize += newSize

			msg("size = %8.2f MB -> %8.2f MB | hist: ", mib(origSize), mib(newSize))
			for i, h := range histCur {
				msg("%5.3f ", float64(h)/float64(nElements))
				histAll[i] += h
			}
			msg("\n")
		} else {
			msg("size = %8.3f MB\n", mib(origSize))
			origTotalSize += origSize
			newTotalSize += origSize
		}

		if err := rwkvfile.WriteTensorHeader(output, th); err != nil {
			return globalFail(ErrFile|ErrFileWrite, "failed to write tensor header of %s: %v", key, err)
		}
		if err := rwkvfile.WriteTensorKey(output, key); err != nil {
			return globalFail(ErrFile|ErrFileWrite, "failed to write tensor key of %s: %v", key, err)
		}
		if err := rwkvfile.WriteTensorPayload(output, container[:newSize]); err != nil {
			return globalFail(ErrFile|ErrFileWrite, "failed to write tensor data of %s: %v", key, err)
		}

		offset, err = input.Seek(0, io.SeekCurrent)
		if err != nil {
			return globalFail(ErrFile|ErrFileRead, "failed to seek in file: %v", err)
		}
	}

	msg("original size     = %8.2f MB\n", mib(origTotalSize))
	msg("quantized size    = %8.2f MB\n", mib(newTotalSize))
	msg("compression ratio = %8.2f\n", float64(origTotalSize)/float64(newTotalSize))

	var sumAll int64
	for _, h := range histAll {
		sumAll += h
	}
	msg("hist: ")
	for _, h := range histAll {
		msg("%5.3f ", float64(h)/float64(sumAll))
	}
	msg("\n")

	return nil
}

func growTo(buf []byte, n int64) []byte {
	if int64(len(buf)) >= n {
		return buf
	}
	return make([]byte, n)
}

func f32View(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func mib(n int64) float64 { return float64(n) / 1024.0 / 1024.0 }
