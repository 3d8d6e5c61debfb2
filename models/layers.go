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

package models

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
)

// KernelWeightName is the name under which weight-bearing layers register
// their primary weight tensor: the full variable name is "<layer>/kernel".
const KernelWeightName = "kernel"

// BiasWeightName is the name of the optional bias weight of Dense and
// convolution layers.
const BiasWeightName = "bias"

// Dense is a fully-connected layer: a learnable linear transformation, with an
// optional bias term. Its kernel is shaped `[inputDim, outputDim]`.
type Dense struct {
	LayerState
	kernel, bias *Variable
}

// NewDense creates a Dense layer from its stored weights. The kernel must have
// rank 2. The bias is optional (may be nil); if given it must have rank 1 with
// dimension matching the kernel's output dimension.
func NewDense(name string, kernel, bias *tensors.Tensor) *Dense {
	if kernel == nil || kernel.Rank() != 2 {
		Panicf("models.NewDense(%q): kernel must have rank 2, got %s", name, kernel)
	}
	l := &Dense{LayerState: MakeLayerState(name)}
	l.kernel = l.AddWeight(KernelWeightName, true, kernel)
	if bias != nil {
		if bias.Rank() != 1 || bias.Shape().Dim(0) != kernel.Shape().Dim(1) {
			Panicf("models.NewDense(%q): bias shaped %s does not match kernel shaped %s",
				name, bias.Shape(), kernel.Shape())
		}
		l.bias = l.AddWeight(BiasWeightName, true, bias)
	}
	return l
}

// Kernel returns the layer's primary weight variable.
func (l *Dense) Kernel() *Variable { return l.kernel }

// Bias returns the bias variable, or nil if the layer has none.
func (l *Dense) Bias() *Variable { return l.bias }

// Conv2D is a 2D convolution layer. Its kernel is shaped
// `[kernelHeight, kernelWidth, inputChannels, outputChannels]`.
type Conv2D struct {
	LayerState
	kernel, bias *Variable
}

// NewConv2D creates a Conv2D layer from its stored weights. The kernel must
// have rank 4. The bias is optional (may be nil); if given it must have rank 1
// with dimension matching the kernel's output channels.
func NewConv2D(name string, kernel, bias *tensors.Tensor) *Conv2D {
	if kernel == nil || kernel.Rank() != 4 {
		Panicf("models.NewConv2D(%q): kernel must have rank 4, got %s", name, kernel)
	}
	l := &Conv2D{LayerState: MakeLayerState(name)}
	l.kernel = l.AddWeight(KernelWeightName, true, kernel)
	if bias != nil {
		if bias.Rank() != 1 || bias.Shape().Dim(0) != kernel.Shape().Dim(3) {
			Panicf("models.NewConv2D(%q): bias shaped %s does not match kernel shaped %s",
				name, bias.Shape(), kernel.Shape())
		}
		l.bias = l.AddWeight(BiasWeightName, true, bias)
	}
	return l
}

// Kernel returns the layer's primary weight variable.
func (l *Conv2D) Kernel() *Variable { return l.kernel }

// Bias returns the bias variable, or nil if the layer has none.
func (l *Conv2D) Bias() *Variable { return l.bias }

// DepthwiseConv2D is the depthwise variant of a 2D convolution: each input
// channel is convolved with its own filters. Its kernel is shaped
// `[kernelHeight, kernelWidth, inputChannels, channelMultiplier]`.
//
// It is deliberately a distinct type from Conv2D: several post-training tools
// treat depthwise convolutions differently (e.g. cqat.Strip skips them).
type DepthwiseConv2D struct {
	LayerState
	kernel *Variable
}

// NewDepthwiseConv2D creates a DepthwiseConv2D layer from its stored kernel,
// which must have rank 4.
func NewDepthwiseConv2D(name string, kernel *tensors.Tensor) *DepthwiseConv2D {
	if kernel == nil || kernel.Rank() != 4 {
		Panicf("models.NewDepthwiseConv2D(%q): kernel must have rank 4, got %s", name, kernel)
	}
	l := &DepthwiseConv2D{LayerState: MakeLayerState(name)}
	l.kernel = l.AddWeight("depthwise_"+KernelWeightName, true, kernel)
	return l
}

// Kernel returns the layer's depthwise kernel variable.
func (l *DepthwiseConv2D) Kernel() *Variable { return l.kernel }

// Activation is a weightless layer applying an element-wise activation
// function, identified by name ("relu", "sigmoid", ...).
type Activation struct {
	LayerState

	// Function is the name of the activation applied.
	Function string
}

// NewActivation creates a weightless activation layer.
func NewActivation(name, function string) *Activation {
	return &Activation{LayerState: MakeLayerState(name), Function: function}
}
