// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package ai contains a Starlark module that exposes the Gemini API.
package ai

import (
	"fmt"

	"go.astrophena.name/starhub/internal/starmod"

	"github.com/google/generative-ai-go/genai"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Module returns a Starlark module that exposes the Gemini API.
//
// This module provides a single function, generate_content, which uses the
// Gemini API to generate text.
//
// It accepts the following keyword arguments:
//
//   - contents (list of strings): The text to be provided to Gemini for
//     generation.
//   - system (dict, optional): System instructions to guide Gemini's
//     response. It has a single key, text, containing the instructions as a
//     string.
//   - model (str, optional): The model to use instead of the configured
//     default.
//
// For example:
//
//	result = ai.generate_content(
//	    contents = ["Once upon a time,"],
//	    system = {"text": "You are a creative story writer."},
//	)
//
// The result is a list of candidates, where each candidate is a list of
// generated text parts.
//
// client may be nil, in which case generate_content reports that the API is
// not available. model is the default model name.
func Module(client *genai.Client, model string) *starlarkstruct.Module {
	m := &module{client: client, model: model}
	return &starlarkstruct.Module{
		Name: "ai",
		Members: starlark.StringDict{
			"generate_content": starlark.NewBuiltin("ai.generate_content", m.generateContent),
		},
	}
}

type module struct {
	client *genai.Client
	model  string
}

func (m *module) generateContent(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if m.client == nil {
		return nil, fmt.Errorf("%s: Gemini API is not available", b.Name())
	}

	var (
		contents *starlark.List
		system   *starlark.Dict
		model    = m.model
	)
	if err := starlark.UnpackArgs(
		b.Name(),
		args, kwargs,
		"contents", &contents,
		"system?", &system,
		"model?", &model,
	); err != nil {
		return nil, err
	}

	var parts []genai.Part
	for i := range contents.Len() {
		s, ok := starlark.AsString(contents.Index(i))
		if !ok {
			return nil, fmt.Errorf("%s: contents[%d] is not a string", b.Name(), i)
		}
		parts = append(parts, genai.Text(s))
	}

	gm := m.client.GenerativeModel(model)
	if system != nil {
		sysVal, ok, err := system.Get(starlark.String("text"))
		if err != nil {
			return nil, err
		}
		sysText, sok := starlark.AsString(sysVal)
		if !ok || !sok {
			return nil, fmt.Errorf("%s: system.text is not a string", b.Name())
		}
		gm.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(sysText)},
		}
	}

	resp, err := gm.GenerateContent(starmod.Context(thread), parts...)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to generate text: %v", b.Name(), err)
	}

	var candidates []starlark.Value
	for _, candidate := range resp.Candidates {
		var textParts []starlark.Value
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					textParts = append(textParts, starlark.String(text))
				}
			}
		}
		candidates = append(candidates, starlark.NewList(textParts))
	}
	return starlark.NewList(candidates), nil
}
