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

// Package cluster holds the weight-clustering side of cluster-preserve
// quantization-aware training (CQAT).
//
// Weight clustering compresses a weight tensor into a small codebook of
// centroids plus a per-position index selecting which centroid each weight
// takes. During CQAT the training pipeline attaches these as auxiliary
// variables to the quantization-aware wrapper of each clustered layer (see
// AttachClusteringState for the exact contract); after training, cqat.Strip
// materializes the dense weights back and removes the auxiliary variables.
//
// The clustering algorithm itself (choosing centroids and assignments) is the
// training pipeline's business and is not implemented here.
package cluster

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/modeloptim/quantize"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ClusteredWeights materializes the dense weight tensor selected by a
// clustering: result[pos] = centroids[indices[pos]], with the result shaped
// like indices.
//
// The indices tensor must have an integer dtype and the centroids tensor must
// have rank 1. Every index entry must be in [0, len(centroids)); this is a
// precondition on the caller, not checked here.
func ClusteredWeights(indices, centroids *tensors.Tensor) *tensors.Tensor {
	if centroids == nil || centroids.Rank() != 1 {
		Panicf("cluster.ClusteredWeights: centroids must be a rank-1 tensor, got %s", centroids)
	}
	flat := flatIndices(indices)
	dims := indices.Shape().Dimensions
	switch centroids.DType() {
	case dtypes.Float32:
		return gather[float32](centroids, flat, dims)
	case dtypes.Float64:
		return gather[float64](centroids, flat, dims)
	case dtypes.Float16:
		return gather[float16.Float16](centroids, flat, dims)
	case dtypes.BFloat16:
		return gather[bfloat16.BFloat16](centroids, flat, dims)
	case dtypes.Int8:
		return gather[int8](centroids, flat, dims)
	case dtypes.Int32:
		return gather[int32](centroids, flat, dims)
	case dtypes.Int64:
		return gather[int64](centroids, flat, dims)
	}
	Panicf("cluster.ClusteredWeights: unsupported centroids dtype %s", centroids.DType())
	return nil
}

// gather builds the tensor of centroid values at the given flat index
// positions, shaped with dims.
func gather[T dtypes.Supported](centroids *tensors.Tensor, flat []int, dims []int) *tensors.Tensor {
	codebook := tensors.CopyFlatData[T](centroids)
	out := make([]T, len(flat))
	for i, idx := range flat {
		out[i] = codebook[idx]
	}
	return tensors.FromFlatDataAndDimensions(out, dims...)
}

// flatIndices flattens an integer tensor into a slice of ints.
func flatIndices(indices *tensors.Tensor) []int {
	if indices == nil || !indices.DType().IsInt() {
		Panicf("cluster: indices must be an integer tensor, got %s", indices)
	}
	flat := make([]int, indices.Size())
	switch indices.DType() {
	case dtypes.Int8:
		copyToInts(flat, tensors.CopyFlatData[int8](indices))
	case dtypes.Int16:
		copyToInts(flat, tensors.CopyFlatData[int16](indices))
	case dtypes.Int32:
		copyToInts(flat, tensors.CopyFlatData[int32](indices))
	case dtypes.Int64:
		copyToInts(flat, tensors.CopyFlatData[int64](indices))
	case dtypes.Uint8:
		copyToInts(flat, tensors.CopyFlatData[uint8](indices))
	case dtypes.Uint16:
		copyToInts(flat, tensors.CopyFlatData[uint16](indices))
	case dtypes.Uint32:
		copyToInts(flat, tensors.CopyFlatData[uint32](indices))
	case dtypes.Uint64:
		copyToInts(flat, tensors.CopyFlatData[uint64](indices))
	default:
		Panicf("cluster: unsupported indices dtype %s", indices.DType())
	}
	return flat
}

func copyToInts[T interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}](dst []int, src []T) {
	for i, v := range src {
		dst[i] = int(v)
	}
}

// AttachClusteringState installs on wrapper w the auxiliary variables the CQAT
// training phase creates for a clustered layer:
//
//   - the centroid codebook (trainable, named with the RoleCentroids marker);
//   - the per-position cluster indices (non-trainable, RolePullingIndices
//     marker), shaped exactly like the wrapped layer's kernel;
//   - a snapshot of the current kernel as the original weights (trainable,
//     RoleOriginalWeights marker).
//
// This is the contract the training pipeline fulfills; it is exposed here so
// pipelines (and tests) producing CQAT models have a single point creating the
// state that cqat.Strip later consumes.
func AttachClusteringState(w *quantize.Wrapper, centroids, indices *tensors.Tensor) error {
	if w == nil {
		return errors.New("cluster.AttachClusteringState: wrapper cannot be nil")
	}
	kernel := FindByRole(w.Variables(), RoleKernel)
	if kernel == nil {
		return errors.Errorf("cluster.AttachClusteringState: layer %q has no kernel weight to cluster", w.Name())
	}
	if centroids == nil || centroids.Rank() != 1 {
		return errors.Errorf("cluster.AttachClusteringState: centroids must be a rank-1 tensor, got %s", centroids)
	}
	if centroids.DType() != kernel.Shape().DType {
		return errors.Errorf("cluster.AttachClusteringState: centroids dtype %s does not match kernel dtype %s",
			centroids.DType(), kernel.Shape().DType)
	}
	if indices == nil || !indices.DType().IsInt() {
		return errors.Errorf("cluster.AttachClusteringState: indices must be an integer tensor, got %s", indices)
	}
	if !indices.Shape().EqualDimensions(kernel.Shape()) {
		return errors.Errorf("cluster.AttachClusteringState: indices shaped %s do not match kernel shaped %s",
			indices.Shape(), kernel.Shape())
	}
	w.AddWeight(RoleCentroids.Marker(), true, centroids)
	w.AddWeight(RolePullingIndices.Marker(), false, indices)
	w.AddWeight(RoleOriginalWeights.Marker(), true, kernel.Value().LocalClone())
	return nil
}
