// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Starhub is a Telegram bot host that runs Starlark command modules from a git
repository.

Starhub keeps a local mirror of the configured repository and polls it on an
interval. Every *.star file in the repository is a module: it is executed in
its own [Starlark] thread, registers its command handlers through the bot
handle passed to its register function, and is reloaded whenever its contents
change. Modules that fail to parse, evaluate or register are kept inert, with
the failure recorded on the debug surface, until they change again; they
never affect other modules.

# Usage

	$ starhub [flags...]

# Configuration

Starhub is configured with environment variables:

	REPO_URL       (required) Git repository with module files.
	REPO_BRANCH    Branch to track. Defaults to main.
	SYNC_INTERVAL  How often to poll the repository. Defaults to 5m.
	STATE_DIR      Directory for the repository mirror and the SQLite store.
	               If empty, a temporary directory and an in-memory store
	               are used.
	GIT_TIMEOUT    Timeout for a single git command. Defaults to 1m.
	TG_TOKEN       (required) Telegram Bot API token.
	TG_OWNER       Telegram user ID of the bot owner. Handler failures are
	               reported there.
	GEMINI_KEY     Gemini API key. Enables the ai module.
	ADDR           Debug HTTP server address. Defaults to localhost:3000.

# Module contract

A module file defines a register function and, optionally, a metadata value:

	def register(bot):
	    def say_hello(update):
	        bot.send(chat_id = update["chat_id"], text = "Hello!")
	    bot.on_text("^/hello$", say_hello)

	metadata = module_meta(
	    name = "Hello World",
	    category = "Test",
	    commands = ["hello"],
	)

The bot handle provides:

	bot.on_text(pattern, fn): Subscribes fn to messages whose text matches the regexp pattern.
	bot.on_event(kind, fn): Subscribes fn to all updates of the given kind, for example "callback_query".
	bot.send(chat_id, text, reply_to, silent): Sends a message.

Handlers receive the update as a dict with kind, chat_id, text and payload
keys.

# Starlark environment

Besides the standard builtins, module code can use:

	store: Persistent key-value state, namespaced per module file.
		- get(key: str) -> value | None
		- set(key: str, value: any)

	feeds: RSS and Atom feeds.
		- fetch(url: str) -> dict: Downloads and parses a feed.

	ai: Text generation via the Gemini API. Only available when GEMINI_KEY is set.
		- generate_content(contents, system, model): Generates text.

	files: Other files from the module repository.
		- read(name: str) -> str: Reads a file. Paths outside the repository are rejected.

	time: Time operations, see https://pkg.go.dev/go.starlark.net/lib/time#Module.

	json: JSON operations, see https://pkg.go.dev/go.starlark.net/lib/json#Module.

	module_meta(name, category, description, commands): Declares module metadata.

Files whose path elements start with a dot or an underscore are not loaded,
and a .hubignore file at the repository root excludes paths using gitignore
syntax.

# Debug interface

A debug HTTP server runs on ADDR:

	/health         Health status in JSON.
	/debug/modules  Per-module status: fingerprint, metadata, subscriptions, last error.
	/debug/sync     Sync state and last cycle summary; POST forces a sync now.
	/debug/log      Log stream over SSE.

[Starlark]: https://starlark-lang.org
*/
package main

import (
	_ "embed"

	"go.astrophena.name/starhub/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
