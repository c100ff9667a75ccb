// Package pipeline turns a workflow into work units and drives them to a
// Report.
//
// A workflow is either a directive document, whose numbered steps run strictly
// in order with each step's output feeding the next, or a matrix of tasks and
// variations that run validate, analyze, refine, and generate stages in
// parallel under the engine concurrency bound. The coordinator resumes from the
// run's checkpoint record: terminal units are skipped and the pools' adaptive
// delays are restored. A pool that runs out of credentials stops receiving new
// units while units already in flight finish.
//
// Engine wires a coordinator to the concrete checkpoint store, rate
// controller, credential rotator, and step executor for one run key.
package pipeline
