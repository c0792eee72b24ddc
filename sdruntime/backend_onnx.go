//go:build ort

package sdruntime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"diffusion_backend/logging"
	"diffusion_backend/tensor"
)

// ONNX model file names expected under <ModelDir>/onnx. The image encoder is
// optional and must output the latent moments (mean and log-variance).
const (
	onnxTextEncoderFile  = "clip_text_encoder.onnx"
	onnxUNetFile         = "unet.onnx"
	onnxImageDecoderFile = "vae_decoder.onnx"
	onnxImageEncoderFile = "vae_encoder.onnx"
)

// ortEnvironment is shared by every ONNX backend in the process.
var ortEnvironment = &sharedEnvironment{
	init:    func() error { return ort.InitializeEnvironment() },
	destroy: func() error { return ort.DestroyEnvironment() },
}

// NewONNXBackend loads a Stable Diffusion export through ONNX Runtime. Layout:
//
//	<ModelDir>/tokenizer/{vocab.json,merges.txt}
//	<ModelDir>/onnx/{clip_text_encoder,unet,vae_decoder[,vae_encoder]}.onnx
func NewONNXBackend(cfg BackendConfig) (*Backend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	onnxDir := filepath.Join(cfg.ModelDir, "onnx")
	if _, err := os.Stat(filepath.Join(onnxDir, onnxUNetFile)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, filepath.Join(onnxDir, onnxUNetFile))
	}
	tok, err := LoadCLIPTokenizer(filepath.Join(cfg.ModelDir, "tokenizer"))
	if err != nil {
		return nil, err
	}

	if cfg.RuntimeLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.RuntimeLibraryPath)
	}
	if err := ortEnvironment.acquire(); err != nil {
		return nil, fmt.Errorf("%w: onnx runtime: %v", ErrBackendUnavailable, err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		ortEnvironment.release()
		return nil, fmt.Errorf("onnx session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll)
	if cfg.UseGPU {
		if cudaOpts, cerr := ort.NewCUDAProviderOptions(); cerr == nil {
			if aerr := opts.AppendExecutionProviderCUDA(cudaOpts); aerr != nil {
				logger.Warn("CUDA provider unavailable, using CPU", zap.Error(aerr))
			}
			cudaOpts.Destroy()
		} else {
			logger.Warn("CUDA provider unavailable, using CPU", zap.Error(cerr))
		}
	}

	m := &onnxModels{}
	cleanup := func() {
		m.close()
		ortEnvironment.release()
	}
	if m.text, err = openSession(filepath.Join(onnxDir, onnxTextEncoderFile), opts); err != nil {
		cleanup()
		return nil, err
	}
	if m.unet, err = openSession(filepath.Join(onnxDir, onnxUNetFile), opts); err != nil {
		cleanup()
		return nil, err
	}
	if m.decoder, err = openSession(filepath.Join(onnxDir, onnxImageDecoderFile), opts); err != nil {
		cleanup()
		return nil, err
	}
	backend := &Backend{
		Name:           BackendONNX,
		Tokenizer:      tok,
		Conditioner:    onnxTextEncoder{m.text},
		NoisePredictor: onnxNoisePredictor{m.unet},
		Decoder:        onnxImageDecoder{m.decoder},
		LatentChannels: referenceChannels,
		closeFn: func() error {
			m.close()
			return ortEnvironment.release()
		},
	}
	encoderPath := filepath.Join(onnxDir, onnxImageEncoderFile)
	if _, statErr := os.Stat(encoderPath); statErr == nil {
		if m.encoder, err = openSession(encoderPath, opts); err != nil {
			cleanup()
			return nil, err
		}
		backend.Encoder = onnxImageEncoder{m.encoder}
	} else {
		logger.Info("no image encoder found, image-to-image disabled", zap.String("path", encoderPath))
	}

	logger.Info("onnx backend loaded",
		zap.String("model_dir", cfg.ModelDir),
		zap.Bool("gpu", cfg.UseGPU),
		zap.Bool("image_encoder", backend.Encoder != nil))
	return backend, nil
}

type onnxSession struct {
	session   *ort.DynamicAdvancedSession
	inputs    []ort.InputOutputInfo
	outputs   []string
	floatType ort.TensorElementDataType
}

func openSession(path string, opts *ort.SessionOptions) (*onnxSession, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelNotFound, path, err)
	}
	inNames := make([]string, len(inputs))
	floatType := ort.TensorElementDataTypeFloat
	for i, in := range inputs {
		inNames[i] = in.Name
		if in.DataType == ort.TensorElementDataTypeFloat16 {
			floatType = in.DataType
		}
	}
	outNames := make([]string, len(outputs))
	for i, out := range outputs {
		outNames[i] = out.Name
	}
	s, err := ort.NewDynamicAdvancedSession(path, inNames, outNames, opts)
	if err != nil {
		return nil, fmt.Errorf("onnx session %s: %w", filepath.Base(path), err)
	}
	return &onnxSession{session: s, inputs: inputs, outputs: outNames, floatType: floatType}, nil
}

// run executes the session and returns the first output as float64.
func (s *onnxSession) run(inputs ...ort.Value) ([]float64, ort.Shape, error) {
	defer func() {
		for _, in := range inputs {
			in.Destroy()
		}
	}()
	outputs := make([]ort.Value, len(s.outputs))
	if err := s.session.Run(inputs, outputs); err != nil {
		return nil, nil, err
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()
	data, err := valueToFloat64(outputs[0])
	if err != nil {
		return nil, nil, err
	}
	return data, outputs[0].GetShape(), nil
}

func (s *onnxSession) floatTensor(t *tensor.Tensor) (ort.Value, error) {
	shape := make([]int64, t.Rank())
	for i, d := range t.Shape() {
		shape[i] = int64(d)
	}
	if s.floatType == ort.TensorElementDataTypeFloat16 {
		raw := make([]byte, 2*t.Len())
		for i, v := range t.Data() {
			binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(float32(v)).Bits())
		}
		return ort.NewCustomDataTensor(ort.NewShape(shape...), raw, ort.TensorElementDataTypeFloat16)
	}
	data := make([]float32, t.Len())
	for i, v := range t.Data() {
		data[i] = float32(v)
	}
	return ort.NewTensor(ort.NewShape(shape...), data)
}

func (s *onnxSession) close() {
	if s != nil && s.session != nil {
		s.session.Destroy()
	}
}

func valueToFloat64(v ort.Value) ([]float64, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		src := t.GetData()
		out := make([]float64, len(src))
		for i, f := range src {
			out[i] = float64(f)
		}
		return out, nil
	case *ort.Tensor[uint16]:
		src := t.GetData()
		out := make([]float64, len(src))
		for i, bits := range src {
			out[i] = float64(float16.Frombits(bits).Float32())
		}
		return out, nil
	case *ort.CustomDataTensor:
		raw := t.GetData()
		out := make([]float64, len(raw)/2)
		for i := range out {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32())
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported output tensor %T", v)
	}
}

func shapeInts(s ort.Shape) []int {
	out := make([]int, len(s))
	for i, d := range s {
		out[i] = int(d)
	}
	return out
}

type onnxModels struct {
	text, unet, decoder, encoder *onnxSession
}

func (m *onnxModels) close() {
	m.text.close()
	m.unet.close()
	m.decoder.close()
	m.encoder.close()
}

type onnxTextEncoder struct{ s *onnxSession }

func (e onnxTextEncoder) EncodeTokens(tokens []int) (*tensor.Tensor, error) {
	var in ort.Value
	var err error
	shape := ort.NewShape(1, int64(len(tokens)))
	if len(e.s.inputs) > 0 && e.s.inputs[0].DataType == ort.TensorElementDataTypeInt32 {
		ids := make([]int32, len(tokens))
		for i, t := range tokens {
			ids[i] = int32(t)
		}
		in, err = ort.NewTensor(shape, ids)
	} else {
		ids := make([]int64, len(tokens))
		for i, t := range tokens {
			ids[i] = int64(t)
		}
		in, err = ort.NewTensor(shape, ids)
	}
	if err != nil {
		return nil, err
	}
	data, outShape, err := e.s.run(in)
	if err != nil {
		return nil, err
	}
	return tensor.FromData(data, shapeInts(outShape)...)
}

type onnxNoisePredictor struct{ s *onnxSession }

func (p onnxNoisePredictor) PredictNoise(latents *tensor.Tensor, timesteps []int, conditioning *tensor.Tensor) (*tensor.Tensor, error) {
	nchw, err := latents.ToNCHW()
	if err != nil {
		return nil, err
	}
	sample, err := p.s.floatTensor(nchw)
	if err != nil {
		return nil, err
	}
	ts := make([]int64, len(timesteps))
	for i, t := range timesteps {
		ts[i] = int64(t)
	}
	tsValue, err := ort.NewTensor(ort.NewShape(int64(len(ts))), ts)
	if err != nil {
		sample.Destroy()
		return nil, err
	}
	hidden, err := p.s.floatTensor(conditioning)
	if err != nil {
		sample.Destroy()
		tsValue.Destroy()
		return nil, err
	}
	data, shape, err := p.s.run(sample, tsValue, hidden)
	if err != nil {
		return nil, err
	}
	out, err := tensor.FromData(data, shapeInts(shape)...)
	if err != nil {
		return nil, err
	}
	return tensor.FromNCHW(out)
}

type onnxImageDecoder struct{ s *onnxSession }

func (d onnxImageDecoder) DecodeLatents(latents *tensor.Tensor) (*tensor.Tensor, error) {
	nchw, err := latents.ToNCHW()
	if err != nil {
		return nil, err
	}
	in, err := d.s.floatTensor(nchw)
	if err != nil {
		return nil, err
	}
	data, shape, err := d.s.run(in)
	if err != nil {
		return nil, err
	}
	out, err := tensor.FromData(data, shapeInts(shape)...)
	if err != nil {
		return nil, err
	}
	return tensor.FromNCHW(out)
}

type onnxImageEncoder struct{ s *onnxSession }

func (e onnxImageEncoder) EncodeImage(image *tensor.Tensor) (*tensor.Tensor, error) {
	nchw, err := image.ToNCHW()
	if err != nil {
		return nil, err
	}
	in, err := e.s.floatTensor(nchw)
	if err != nil {
		return nil, err
	}
	data, shape, err := e.s.run(in)
	if err != nil {
		return nil, err
	}
	if len(shape) != 4 {
		return nil, errors.New("image encoder output is not rank 4")
	}
	out, err := tensor.FromData(data, shapeInts(shape)...)
	if err != nil {
		return nil, err
	}
	return tensor.FromNCHW(out)
}
