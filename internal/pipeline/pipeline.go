// Package pipeline drives the external document-to-audiobook conversion:
// document conversion (ebook-convert), speech synthesis (piper) and audio
// encoding (ffmpeg), invoked as subprocesses in strict sequence.
package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Stage identifies one step of the external pipeline.
type Stage string

// Pipeline stages, executed in this order within a job.
const (
	StageDocumentConvert Stage = "document-convert"
	StageSynthesize      Stage = "synthesize"
	StageEncode          Stage = "encode"
)

// Static errors for conversions.
var (
	// ErrConversion is the base error for non-zero pipeline exits. The
	// concrete value is a *ConversionError carrying diagnostics.
	ErrConversion = errors.New("pipeline: conversion failed")
	// ErrCancelled is returned when a conversion is cancelled. It is not a
	// failure and must not be reported as one.
	ErrCancelled = errors.New("pipeline: cancelled")
	// ErrInputNotFound is returned when the input file does not exist.
	ErrInputNotFound = errors.New("pipeline: input file not found")
	// ErrUnsupportedInput is returned for input files with an unsupported extension.
	ErrUnsupportedInput = errors.New("pipeline: unsupported input file type")
)

// tailLines is how many trailing output lines are kept for diagnostics.
const tailLines = 50

// supportedExtensions are the input types the pipeline accepts. Plain-text
// types skip the document-conversion stage.
var supportedExtensions = map[string]bool{
	".epub": true,
	".mobi": true,
	".azw3": true,
	".pdf":  true,
	".html": true,
	".txt":  true,
	".md":   true,
}

// plainTextExtensions need no document conversion.
var plainTextExtensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// ConversionError reports a pipeline stage that exited non-zero, carrying
// the last lines of its output for diagnostics.
type ConversionError struct {
	Stage    Stage
	ExitCode int
	Tail     []string
}

// Error implements the error interface.
func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s stage exited with code %d", e.Stage, e.ExitCode)
}

// Unwrap makes the error match ErrConversion via errors.Is.
func (e *ConversionError) Unwrap() error {
	return ErrConversion
}

// Request describes a single conversion.
type Request struct {
	// InputPath is the document to convert.
	InputPath string
	// ModelPath is the voice's ONNX model file.
	ModelPath string
	// LengthScale controls synthesis speed; higher is slower.
	LengthScale float64
	// Author and Title become ID3 tags on the encoded output. Empty values
	// are omitted.
	Author string
	Title  string
	// OutputPath overrides the deterministic output location. Empty means
	// the input's sibling with the audio extension.
	OutputPath string
}

// Result reports a completed conversion.
type Result struct {
	// OutputPath is where the encoded audiobook was written.
	OutputPath string
	// Stages lists the stages that ran, in order.
	Stages []Stage
}

// LogFunc receives pipeline output lines as they arrive.
type LogFunc func(stage Stage, line string)

// OutputPath returns the deterministic output location for an input file:
// the same basename with the audio extension, next to the input.
func OutputPath(inputPath string) string {
	ext := filepath.Ext(inputPath)
	return strings.TrimSuffix(inputPath, ext) + ".mp3"
}

// SupportedInput reports whether the file extension is convertible.
func SupportedInput(inputPath string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(inputPath))]
}
