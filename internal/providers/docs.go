/*
Package providers implements protocol translation between the public
Messages API wire format and upstream provider dialects.

Three provider families are built in:

  - anthropic: upstreams that natively speak the public format; translation
    is the identity and only auth headers differ.
  - openai: the chat-completions dialect, which also covers generic
    OpenAI-compatible hosts.
  - aggregator: multi-vendor routing layers (OpenRouter-compatible), an
    OpenAI-style dialect with routing hints and extended usage accounting.

Each provider maps three surfaces: the request body (TransformRequest), the
complete response body (TransformResponse), and individual streaming chunks
(TransformStream). Streaming translation is driven through StreamState, an
explicit state machine that keeps content_block_start/stop pairs balanced
and index-ordered and usage counters monotonic; a delta against an unopened
block is reported as a protocol error rather than forwarded.

Content conversion (convert.go) is information-preserving for the text,
image, tool_use and tool_result variants. The only allow-listed
normalizations are the re-joining of adjacent assistant text blocks and the
tool id prefix mapping between "toolu_" and "call_".
*/
package providers
