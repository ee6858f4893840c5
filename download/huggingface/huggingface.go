// Package huggingface handles downloading BERT model weights from HuggingFace.
//
// The weights are renamed to Google Research's TensorFlow names, and the kernels of the dense layers transposed
// to TensorFlow's layout, so they can be converted to the model initializers by tfimport like any TensorFlow
// checkpoint. This has some advantages over the original TensorFlow checkpoints:
//
//   - With a HuggingFace token, the process is automatic.
//   - No need to convert the checkpoint with TensorFlow: HuggingFace's ".safetensors" are read directly.
//
// Example:
//
//	reader, err := huggingface.Download("google-bert/bert-base-uncased", hfToken, "~/.cache/bert")
//	if err != nil { ... }
//	initializers, err := tfimport.LoadInitializersFrom(reader, config)
package huggingface

import (
	"fmt"
	"github.com/gomlx/bert/tfimport"
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/gomlx/ml/data"
	gomlxhf "github.com/gomlx/gomlx/ml/data/huggingface"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"strconv"
	"strings"
)

// Download will download (if needed) the BERT model identified by hfID (it's a HuggingFace model id, e.g.:
// "google-bert/bert-base-uncased"), and save it under the cacheDir (for future reuse).
//
// The hfAuthToken is a HuggingFace token -- read-only access -- only needed for gated models.
//
// It returns the weights with their TensorFlow names. Weights without a TensorFlow counterpart are skipped.
func Download(hfID, hfAuthToken, cacheDir string) (reader tfimport.MemoryReader, err error) {
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	var hfm *gomlxhf.Model
	hfm, err = gomlxhf.New(hfID, hfAuthToken, cacheDir)
	if err != nil {
		return
	}
	err = hfm.Download()
	if err != nil {
		return
	}

	reader = make(tfimport.MemoryReader)
	for entry, err2 := range hfm.EnumerateTensors() {
		if err2 != nil {
			err = err2
			return
		}
		if err = Add(reader, entry.Name, entry.Tensor); err != nil {
			return
		}
	}
	klog.Infof("Read %d weights from HuggingFace model %q", len(reader), hfID)
	return
}

// Add the HuggingFace weight name with the given value to reader, under its TensorFlow name.
// Weights without a TensorFlow name are skipped.
func Add(reader tfimport.MemoryReader, name string, value *tensors.Tensor) error {
	tfName, transpose := ConvertName(name)
	if tfName == "" {
		klog.V(1).Infof("Skipping: %s -> %s", name, value.Shape())
		return nil
	}
	if transpose {
		var err error
		value, err = xtensors.Transpose2D(value)
		if err != nil {
			return errors.WithMessagef(err, "weight %q", name)
		}
	}
	if _, found := reader[tfName]; found {
		return errors.Errorf("weight %q maps to %q, which was already read", name, tfName)
	}
	reader[tfName] = value
	return nil
}

// layerNormParam converts the parameter names of a HuggingFace LayerNorm: newer checkpoints use "weight" and "bias",
// older ones "gamma" and "beta" like TensorFlow.
func layerNormParam(param string) string {
	switch param {
	case "weight", "gamma":
		return "gamma"
	case "bias", "beta":
		return "beta"
	}
	return ""
}

// denseParam converts the parameter names of a HuggingFace Linear layer. Its weight is stored [out, in], while the
// TensorFlow kernel is [in, out], so it must be transposed.
func denseParam(param string) (tfParam string, transpose bool) {
	switch param {
	case "weight":
		return "kernel", true
	case "bias":
		return "bias", false
	}
	return "", false
}

// ConvertName converts a HuggingFace BERT weight name to the TensorFlow name, and whether its value must be
// transposed. It returns an empty name for weights without a TensorFlow counterpart.
//
// Example: "bert.encoder.layer.3.attention.self.query.weight" -> ("bert/encoder/layer_3/attention/self/query/kernel", true).
func ConvertName(name string) (tfName string, transpose bool) {
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return "", false
	}
	param := xslices.Last(parts)
	module := parts[:len(parts)-1]
	if module[0] == "bert" {
		module = module[1:]
	}
	if len(module) == 0 {
		return "", false
	}

	// The module names under which a LayerNorm or a dense layer are stored, with their TensorFlow scope.
	convert := func(tfScope string, last string) (string, bool) {
		switch last {
		case "LayerNorm":
			if p := layerNormParam(param); p != "" {
				return tfScope + "/LayerNorm/" + p, false
			}
		case "dense":
			if p, t := denseParam(param); p != "" {
				return tfScope + "/dense/" + p, t
			}
		}
		return "", false
	}

	switch module[0] {
	case "embeddings":
		if len(module) != 2 {
			return "", false
		}
		switch module[1] {
		case "word_embeddings", "position_embeddings", "token_type_embeddings":
			if param == "weight" {
				return "bert/embeddings/" + module[1], false
			}
		case "LayerNorm":
			return convert("bert/embeddings", module[1])
		}

	case "pooler":
		if len(module) == 2 {
			return convert("bert/pooler", module[1])
		}

	case "encoder":
		// encoder.layer.<i>.<block...>.<dense|LayerNorm>
		if len(module) < 5 || module[1] != "layer" {
			return "", false
		}
		layer, err := strconv.Atoi(module[2])
		if err != nil {
			return "", false
		}
		layerScope := fmt.Sprintf("bert/encoder/layer_%d", layer)
		block := module[3 : len(module)-1]
		last := xslices.Last(module)
		switch strings.Join(block, ".") {
		case "attention.self":
			// Query, key and value are dense layers named after their role.
			if p, t := denseParam(param); p != "" && (last == "query" || last == "key" || last == "value") {
				return layerScope + "/attention/self/" + last + "/" + p, t
			}
		case "attention.output":
			return convert(layerScope+"/attention/output", last)
		case "intermediate":
			return convert(layerScope+"/intermediate", last)
		case "output":
			return convert(layerScope+"/output", last)
		}

	case "cls":
		// cls.predictions.transform.<dense|LayerNorm>
		if len(module) == 4 && module[1] == "predictions" && module[2] == "transform" {
			return convert("cls/predictions/transform", module[3])
		}
	}
	return "", false
}
