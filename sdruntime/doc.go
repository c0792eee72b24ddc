// Package sdruntime implements DDIM sampling for latent diffusion models.
//
// A Sampler binds a precomputed noise Schedule to a Backend, the bundle of
// models it drives: a Tokenizer, a ConditioningEncoder, a NoisePredictor, an
// ImageDecoder and, for image-to-image and inpainting, an ImageEncoder.
// Classifier-free guidance runs the unconditional and conditional halves as
// one batch per step.
//
// # Quick Start
//
//	backend, err := sdruntime.DefaultRegistry().Resolve("reference", sdruntime.BackendConfig{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//
//	sampler, err := sdruntime.NewSampler(sdruntime.DefaultScheduleConfig(), backend)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	params := sdruntime.DefaultTextToImageParams()
//	params.Prompt = "a sunset over mountains"
//	params.Noise = sdruntime.NewGaussianSource(42)
//	images, err := sampler.TextToImage(params) // [B,H,W,3] in [-1,1]
//
// # Generator
//
// Generator serves validated GenerateParams requests from a SamplerPool and
// returns PNG bytes. Each pooled slot owns one backend and caches one Sampler
// per schedule:
//
//	cfg := sdruntime.LoadSDConfig()
//	gen, err := sdruntime.NewGenerator(cfg, nil, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gen.Close()
//
//	params := gen.DefaultParams()
//	params.Prompt = "a lighthouse at dusk"
//	result, err := gen.Generate(ctx, params)
//
// # Configuration
//
// LoadSDConfig reads SD_* environment variables; LoadSDConfigFile overlays a
// YAML file on top:
//
//	SD_BACKEND=reference      # reference or onnx
//	SD_MODEL_DIR=/models/sd15 # onnx/ and tokenizer/ subdirectories
//	SD_ORT_LIBRARY=...        # onnxruntime shared library
//	SD_NUM_STEPS=50           # DDIM steps
//	SD_DISCRETIZATION=uniform # uniform or quad
//	SD_ETA=0                  # 0 is deterministic
//	SD_IMAGE_SIZE=512
//	SD_GUIDANCE_SCALE=7.5
//	SD_POOL_SIZE=1
//	SD_TIMEOUT_SECONDS=120
//
// The onnx backend is compiled only with the "ort" build tag.
package sdruntime
