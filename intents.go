/************************************************************************************
 *
 * gatewire, a Go client library for the Discord real-time gateway
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package gatewire

// GatewayIntentAll is the bitwise union of every intent this library knows
// how to name, privileged and non-privileged alike.
const GatewayIntentAll = GatewayIntentGuilds |
	GatewayIntentGuildMembers |
	GatewayIntentGuildModeration |
	GatewayIntentGuildExpressions |
	GatewayIntentGuildIntegrations |
	GatewayIntentGuildWebhooks |
	GatewayIntentGuildInvites |
	GatewayIntentGuildVoiceStates |
	GatewayIntentGuildPresences |
	GatewayIntentGuildMessages |
	GatewayIntentGuildMessageReactions |
	GatewayIntentGuildMessageTyping |
	GatewayIntentDirectMessages |
	GatewayIntentDirectMessageReactions |
	GatewayIntentDirectMessageTyping |
	GatewayIntentMessageContent |
	GatewayIntentGuildScheduledEvents |
	GatewayIntentAutoModerationConfiguration |
	GatewayIntentAutoModerationExecution |
	GatewayIntentGuildMessagePolls |
	GatewayIntentDirectMessagePolls

// GatewayIntentPrivileged is the bitwise union of every intent Discord requires
// explicit application-dashboard approval for.
const GatewayIntentPrivileged = GatewayIntentGuildMembers | GatewayIntentGuildPresences

// GatewayIntentNonPrivileged is every known intent minus the privileged set.
const GatewayIntentNonPrivileged = GatewayIntentAll &^ GatewayIntentPrivileged

// GatewayIntentDefault is the intent set used when a Client is constructed
// without an explicit WithIntents option: enough to track guild membership
// and exchange messages without requesting privileged access.
const GatewayIntentDefault = GatewayIntentGuilds |
	GatewayIntentGuildMessages |
	GatewayIntentGuildModeration |
	GatewayIntentGuildExpressions |
	GatewayIntentGuildInvites |
	GatewayIntentGuildVoiceStates |
	GatewayIntentDirectMessages

// Has reports whether every bit in other is set in intents.
func (intents GatewayIntent) Has(other GatewayIntent) bool {
	return BitFieldHas(intents, other)
}

// IsPrivileged reports whether intents requests any privileged intent.
func (intents GatewayIntent) IsPrivileged() bool {
	return intents&GatewayIntentPrivileged != 0
}
