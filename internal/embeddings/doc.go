// Package embeddings provides embedding generation via multiple providers.
//
// Supports any OpenAI-compatible endpoint (through langchaingo) and FastEmbed
// (local ONNX). The HTTP server and the ingestion workers must build their
// provider from the same configuration section: query vectors are only
// comparable with chunk vectors from the same model.
package embeddings
