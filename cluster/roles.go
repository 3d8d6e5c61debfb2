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

package cluster

import (
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/modeloptim/models"
)

// VariableRole identifies the function a wrapped layer's variable plays during
// cluster-preserve quantization-aware training (CQAT).
//
// Roles are encoded in variable names. The markers below are the naming
// convention shared with the training pipeline; all role lookups in this
// repository go through Matches and FindByRole, so the convention lives in one
// place.
type VariableRole int

const (
	// RoleKernel is the layer's primary weight, the one used at inference.
	RoleKernel VariableRole = iota

	// RoleCentroids is the learned sequence of representative weight values
	// (the cluster codebook). Trainable.
	RoleCentroids

	// RolePullingIndices is the per-weight-position index selecting which
	// centroid the position takes. Non-trainable; shaped like the kernel.
	RolePullingIndices

	// RoleOriginalWeights is the snapshot of the pre-clustering weights, kept
	// during training for gradient purposes. Trainable; dead weight after
	// training.
	RoleOriginalWeights
)

// DepthwiseMarker in a layer's name excludes it from clustering-aware
// handling: depthwise convolutions are not clustered by the training pipeline.
const DepthwiseMarker = "depthwise"

// Marker returns the name marker identifying the role. RoleKernel matches the
// variable name's final path element exactly; the clustering roles match
// anywhere in the name.
func (r VariableRole) Marker() string {
	switch r {
	case RoleKernel:
		return models.KernelWeightName
	case RoleCentroids:
		return "cluster_centroids_tf"
	case RolePullingIndices:
		return "pulling_indices_tf"
	case RoleOriginalWeights:
		return "ori_weights_vars_tf"
	}
	Panicf("invalid cluster.VariableRole(%d)", r)
	return ""
}

// String implements fmt.Stringer.
func (r VariableRole) String() string {
	switch r {
	case RoleKernel:
		return "RoleKernel"
	case RoleCentroids:
		return "RoleCentroids"
	case RolePullingIndices:
		return "RolePullingIndices"
	case RoleOriginalWeights:
		return "RoleOriginalWeights"
	}
	return "RoleInvalid"
}

// Matches reports whether variable v plays role r under the naming convention.
//
// The kernel role requires the final path element of the name to be exactly
// "kernel": substring matching would also catch the quantization range
// variables ("kernel_min", "kernel_max") and depthwise kernels
// ("depthwise_kernel").
func Matches(v *models.Variable, r VariableRole) bool {
	if r == RoleKernel {
		name := v.Name()
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		return name == models.KernelWeightName
	}
	return strings.Contains(v.Name(), r.Marker())
}

// FindByRole returns the first variable in vs matching role r, or nil if none
// does. First match wins: collections are ordered, so the lookup is
// deterministic even if a layer carries duplicate markers.
func FindByRole(vs []*models.Variable, r VariableRole) *models.Variable {
	for _, v := range vs {
		if Matches(v, r) {
			return v
		}
	}
	return nil
}

// FilterOutRoles returns a new collection with the variables matching any of
// the given roles removed. The input slice is not modified.
func FilterOutRoles(vs []*models.Variable, roles ...VariableRole) []*models.Variable {
	filtered := make([]*models.Variable, 0, len(vs))
	for _, v := range vs {
		matched := false
		for _, r := range roles {
			if Matches(v, r) {
				matched = true
				break
			}
		}
		if !matched {
			filtered = append(filtered, v)
		}
	}
	return filtered
}
