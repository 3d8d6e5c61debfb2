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
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
)

// Variable is a named, materialized tensor attached to a Layer. It's commonly
// used to store the weights (aka. parameters) of an ML model.
//
// Variables are identified by their name within the layer that owns them --
// names are slash-separated paths, like "dense0/kernel". The value can be read
// with Value and overwritten in place with SetValue.
type Variable struct {
	name string

	// Trainable indicates whether the variable is updated by trainers of the
	// model. If set to false it is bookkeeping state (counters, ranges,
	// assignment indices) carried along but not differentiated through.
	Trainable bool

	value *tensors.Tensor
}

// NewVariable creates a Variable with the given name and initial value.
// The value must not be nil.
func NewVariable(name string, trainable bool, value *tensors.Tensor) *Variable {
	if value == nil {
		Panicf("models.NewVariable(%q): value cannot be nil", name)
	}
	return &Variable{name: name, Trainable: trainable, value: value}
}

// Name of the variable, a slash-separated path scoped by the owning layer.
func (v *Variable) Name() string {
	v.AssertValid()
	return v.name
}

// Value returns the variable's current tensor value.
func (v *Variable) Value() *tensors.Tensor {
	v.AssertValid()
	return v.value
}

// SetValue overwrites the variable's value in place, preserving the variable's
// identity -- holders of the *Variable observe the new value. The new value
// must have the same shape (dtype included) as the current one.
func (v *Variable) SetValue(value *tensors.Tensor) {
	v.AssertValid()
	if value == nil {
		Panicf("Variable(%q).SetValue: value cannot be nil", v.name)
	}
	if !value.Shape().Equal(v.value.Shape()) {
		Panicf("Variable(%q).SetValue: new value shaped %s, but variable is shaped %s",
			v.name, value.Shape(), v.value.Shape())
	}
	v.value = value
}

// Shape of the variable's value.
func (v *Variable) Shape() shapes.Shape {
	v.AssertValid()
	return v.value.Shape()
}

// Size returns the number of elements (parameters) stored in the variable.
func (v *Variable) Size() int {
	return v.Shape().Size()
}

// AssertValid panics if the variable is nil or has no value.
func (v *Variable) AssertValid() {
	if v == nil || v.value == nil {
		Panicf("models.Variable is nil or has no value associated")
	}
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	if v == nil || v.value == nil {
		return "INVALID (NIL) VARIABLE"
	}
	return fmt.Sprintf("%s: %s", v.name, v.value.Shape())
}
