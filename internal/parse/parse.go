// Package parse extracts includes and function definitions from CUDA sources
// using tree-sitter.
package parse

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/ptxstage/internal/lang"
	"github.com/phobologic/ptxstage/internal/model"
)

// ExtractSource parses a CUDA source file and returns its includes and
// function definitions. The parser must be created for lang.CUDA.
// filePath is used only for SourceInfo.Path.
func ExtractSource(parser *sitter.Parser, query *sitter.Query, source []byte, filePath string) model.SourceInfo {
	info := model.SourceInfo{Path: filePath}
	if len(source) == 0 {
		return info
	}

	masked, spans := lang.MaskCUDA(source)

	tree, err := parser.ParseCtx(context.Background(), nil, masked)
	if err != nil {
		return info
	}
	defer tree.Close()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(query, tree.RootNode())

	seen := make(map[uint32]struct{})

	for {
		match, ok := qc.NextMatch()
		if !ok {
			break
		}
		match = qc.FilterPredicates(match, masked)

		var nameNode, defNode *sitter.Node

		for _, c := range match.Captures {
			switch query.CaptureNameForId(c.Index) {
			case "include.local":
				info.Includes = append(info.Includes, model.Include{
					Path: strings.Trim(lang.NodeText(c.Node, masked), `"`),
					Line: int(c.Node.StartPoint().Row) + 1,
				})
			case "include.system":
				info.Includes = append(info.Includes, model.Include{
					Path:   strings.Trim(lang.NodeText(c.Node, masked), "<>"),
					Line:   int(c.Node.StartPoint().Row) + 1,
					System: true,
				})
			case "name":
				nameNode = c.Node
			case "definition.function":
				defNode = c.Node
			}
		}

		if nameNode == nil || defNode == nil {
			continue
		}
		if _, dup := seen[defNode.StartByte()]; dup {
			continue
		}
		seen[defNode.StartByte()] = struct{}{}

		info.Functions = append(info.Functions, model.Function{
			Name:       lang.NodeText(nameNode, masked),
			Line:       int(nameNode.StartPoint().Row) + 1,
			Qualifiers: attachedQualifiers(defNode, masked, spans),
			Signature:  extractSignature(defNode, masked),
		})
	}

	return info
}

// attachedQualifiers returns the qualifiers written in front of a function
// definition: inside the node before its declarator, or separated from the
// node start only by whitespace (masked qualifiers are whitespace too).
func attachedQualifiers(defNode *sitter.Node, masked []byte, spans []lang.Span) []model.Qualifier {
	lo := int(defNode.StartByte())
	for lo > 0 && isSpace(masked[lo-1]) {
		lo--
	}
	hi := int(defNode.StartByte())
	if decl := defNode.ChildByFieldName("declarator"); decl != nil {
		hi = int(decl.StartByte())
	}

	var quals []model.Qualifier
	for _, s := range spans {
		if s.Start >= lo && s.End <= hi {
			quals = append(quals, s.Qualifier)
		}
	}
	return quals
}

func extractSignature(defNode *sitter.Node, masked []byte) string {
	decl := defNode.ChildByFieldName("declarator")
	for decl != nil && decl.Type() != "function_declarator" {
		decl = decl.ChildByFieldName("declarator")
	}
	if decl == nil {
		return ""
	}
	return lang.CollapseWhitespace(lang.NodeText(decl, masked))
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
