// Package bisim trains latent-variable models that predict
// action values from observations, optionally with a
// discrete abstract-state prior, and drives the life-cycle
// of such experiments.
//
// Concrete experiments live in the runners sub-package.
// The cmd directory contains the command-line entry
// points.
package bisim
