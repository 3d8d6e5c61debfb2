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

// Package models defines the materialized model structure that the
// post-training optimization tools in this repository operate on: named
// Variables grouped into Layers, and Layers composed into Models.
//
// It is deliberately a structural representation -- layers hold their stored
// weights, names and topology, while the actual computation is built
// separately with GoMLX computation graphs. The optimization tools (see the
// quantize, cluster and cqat packages) only need to traverse, inspect and
// rewrite stored weights, never to execute the model.
//
// Three model flavors exist, mirroring the common ways models are put
// together:
//
//   - Sequential: a linear chain of layers.
//   - Graph: a functional model with a declared DAG of layers.
//   - Subclassed: an imperative model defined by embedding the Subclassed
//     base and registering sublayers with Track.
//
// Sequential and Graph both implement Composed: they expose CloneWith, a
// topology-preserving rebuild that replaces every layer through a caller
// supplied LayerTransform. Subclassed models have no declared topology, so
// instead they expose their tracked sublayer list for in-place replacement.
package models

import (
	"github.com/gomlx/gomlx/types/tensors"
)

// Layer is a unit of a model holding named weight state. All concrete layers
// in this package implement it, and so do Models -- a model can be used as a
// layer of an enclosing model.
type Layer interface {
	// Name of the layer, unique within the enclosing model.
	Name() string

	// TrainableVariables returns the layer's own trainable variables.
	TrainableVariables() []*Variable

	// NonTrainableVariables returns the layer's own non-trainable variables.
	NonTrainableVariables() []*Variable

	// Variables returns the layer's full weight list, including any variables
	// owned by sublayers (or by a wrapped inner layer).
	Variables() []*Variable
}

// VariableListOwner is implemented by layers whose variable collections can be
// replaced wholesale. The collections are exclusively owned by the layer:
// adopting a new slice is the supported way to remove variables, there is no
// aliased mutation of a previously returned slice.
type VariableListOwner interface {
	SetTrainableVariables(vs []*Variable)
	SetNonTrainableVariables(vs []*Variable)
}

// LayerState is the embeddable implementation of a Layer's weight bookkeeping:
// a name and the two variable collections. Concrete layers (Dense, Conv2D,
// quantize.Wrapper, ...) embed it and create their weights with AddWeight.
type LayerState struct {
	name         string
	trainable    []*Variable
	nonTrainable []*Variable
}

// MakeLayerState initializes the state for a layer with the given name.
func MakeLayerState(name string) LayerState {
	return LayerState{name: name}
}

// Name of the layer.
func (s *LayerState) Name() string { return s.name }

// AddWeight creates a variable named "<layer>/<name>" with the given initial
// value, appends it to the corresponding collection and returns it.
func (s *LayerState) AddWeight(name string, trainable bool, value *tensors.Tensor) *Variable {
	v := NewVariable(s.name+"/"+name, trainable, value)
	if trainable {
		s.trainable = append(s.trainable, v)
	} else {
		s.nonTrainable = append(s.nonTrainable, v)
	}
	return v
}

// TrainableVariables returns the layer's own trainable variables, in creation
// order.
func (s *LayerState) TrainableVariables() []*Variable { return s.trainable }

// NonTrainableVariables returns the layer's own non-trainable variables, in
// creation order.
func (s *LayerState) NonTrainableVariables() []*Variable { return s.nonTrainable }

// SetTrainableVariables replaces the trainable collection. The layer adopts
// the given slice.
func (s *LayerState) SetTrainableVariables(vs []*Variable) { s.trainable = vs }

// SetNonTrainableVariables replaces the non-trainable collection. The layer
// adopts the given slice.
func (s *LayerState) SetNonTrainableVariables(vs []*Variable) { s.nonTrainable = vs }

// Variables returns the trainable followed by the non-trainable variables.
func (s *LayerState) Variables() []*Variable {
	all := make([]*Variable, 0, len(s.trainable)+len(s.nonTrainable))
	all = append(all, s.trainable...)
	all = append(all, s.nonTrainable...)
	return all
}

// NumParameters returns the total number of elements stored in the layer's own
// variables.
func (s *LayerState) NumParameters() int {
	count := 0
	for _, v := range s.Variables() {
		count += v.Size()
	}
	return count
}
