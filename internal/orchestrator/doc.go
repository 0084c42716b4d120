// Package orchestrator はイベントの配送とワーカーの管理を担う
//
// 受信層から届いたイベントをマシンごとのワーカーへ、マシンが発行した
// インテントをカメラごとのワーカーへ振り分ける。各カメラのインテントは
// 専用ワーカーで直列に処理されるため、SessionManagerに同時にインテントが
// 届くことはない。振り分けはどの経路でも送信側をブロックしない。
//
// 起動時はインテントの受付を始める前に全カメラの中断録画を復旧し、
// 停止時は録画中のセッションを猶予時間つきで閉じる。
package orchestrator
