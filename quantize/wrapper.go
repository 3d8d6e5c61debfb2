/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package quantize provides the quantization-aware Wrapper layer.
//
// During quantization-aware training a weight-bearing layer is wrapped by a
// Wrapper that records the value ranges (min/max) its weights and outputs take,
// so that a downstream converter can emit a low-precision version of the model
// with learned quantization parameters. The wrapper owns only its bookkeeping
// variables; the wrapped layer keeps owning its weights.
//
// Post-training tools must leave the wrapper in place: stripping it would lose
// the learned ranges. See cqat.Strip, which removes clustering state from
// inside a wrapper while keeping the wrapper and its ranges untouched.
package quantize

import (
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/modeloptim/models"
)

// Wrapper is a quantization-aware training wrapper around an inner layer.
//
// Its own variable collections hold the quantization bookkeeping (per-weight
// min/max ranges, output ranges, optimizer step counter) plus any auxiliary
// state attached by collaborative optimizations (see the cluster package).
// Variables() aggregates the inner layer's weights with the wrapper's own, so
// the wrapper presents the full weight list of the wrapped computation.
type Wrapper struct {
	models.LayerState
	inner models.Layer
}

var _ models.Layer = (*Wrapper)(nil)

// Wrap creates a quantization-aware Wrapper around layer, named
// "quant_<layer>". It registers non-trainable range variables for each of the
// layer's kernel weights ("<kernel>_min"/"<kernel>_max"), output range
// variables ("output_min"/"output_max") and an "optimizer_step" counter.
// Ranges start at zero and are learned during training.
func Wrap(layer models.Layer) *Wrapper {
	if layer == nil {
		Panicf("quantize.Wrap: layer cannot be nil")
	}
	if _, ok := layer.(models.Model); ok {
		Panicf("quantize.Wrap(%q): cannot wrap a full model, only individual layers", layer.Name())
	}
	w := &Wrapper{
		LayerState: models.MakeLayerState("quant_" + layer.Name()),
		inner:      layer,
	}
	rangeDType := dtypes.InvalidDType
	for _, v := range layer.TrainableVariables() {
		base := lastNameElement(v.Name())
		if !strings.Contains(base, models.KernelWeightName) {
			continue
		}
		dtype := v.Shape().DType
		w.AddWeight(base+"_min", false, tensors.FromShape(shapes.Make(dtype)))
		w.AddWeight(base+"_max", false, tensors.FromShape(shapes.Make(dtype)))
		rangeDType = dtype
	}
	if rangeDType != dtypes.InvalidDType {
		w.AddWeight("output_min", false, tensors.FromShape(shapes.Make(rangeDType)))
		w.AddWeight("output_max", false, tensors.FromShape(shapes.Make(rangeDType)))
	}
	w.AddWeight("optimizer_step", false, tensors.FromScalar(int64(-1)))
	return w
}

// Inner returns the wrapped layer.
func (w *Wrapper) Inner() models.Layer { return w.inner }

// Variables returns the full weight list: the inner layer's variables followed
// by the wrapper's own bookkeeping variables.
func (w *Wrapper) Variables() []*models.Variable {
	innerVars := w.inner.Variables()
	own := w.LayerState.Variables()
	all := make([]*models.Variable, 0, len(innerVars)+len(own))
	all = append(all, innerVars...)
	all = append(all, own...)
	return all
}

// lastNameElement returns the final element of a slash-separated variable
// name.
func lastNameElement(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}
